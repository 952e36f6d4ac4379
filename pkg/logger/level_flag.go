// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

type levelFlagValue struct {
	// Called once the requested level is known.
	onLevelAvailable func(zapcore.Level)
	value            string
}

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) levelFlagValue {
	return levelFlagValue{
		onLevelAvailable: onLevelAvailable,
	}
}

func (lfv *levelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InvalidLevel)
	if err != nil {
		return err
	}

	lfv.onLevelAvailable(level)
	lfv.value = flagValue
	return nil
}

func (lfv *levelFlagValue) String() string {
	return lfv.value
}

func (lfv *levelFlagValue) Type() string {
	return "level"
}

// StringToLevel parses a named level ('debug', 'info', 'error') or a
// positive integer verbosity into a zap level. fallback is returned for an
// empty value.
func StringToLevel(value string, fallback zapcore.Level) (zapcore.Level, error) {
	if value == "" {
		return fallback, nil
	}

	if level, named := levelStrings[strings.ToLower(value)]; named {
		return level, nil
	}

	verbosity, err := strconv.Atoi(value)
	if err != nil || verbosity <= 0 {
		return zapcore.InvalidLevel, fmt.Errorf("invalid log level %q", value)
	}

	// Zap has the levels backwards: higher verbosity is more negative.
	return zapcore.Level(int8(-1 * verbosity)), nil
}
