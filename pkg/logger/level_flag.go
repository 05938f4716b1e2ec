/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug":   zap.DebugLevel,
	"info":    zap.InfoLevel,
	"warn":    zap.WarnLevel,
	"warning": zap.WarnLevel,
	"error":   zap.ErrorLevel,
}

// LevelFlagValue is a pflag.Value that applies the parsed verbosity as soon as the flag is set.
type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{
		onLevelAvailable: onLevelAvailable,
	}
}

// StringToLevel accepts a level name or a positive integer. Integer N maps to logr V(N-1)
// (1 equals debug, 2 enables frame dumps, and so on).
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, namedLevel := levelStrings[strings.ToLower(strings.TrimSpace(value))]; namedLevel {
		return level, nil
	}

	verbosity, err := strconv.Atoi(value)
	if err != nil || verbosity <= 0 || verbosity > 127 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}

	// Zap has the levels backwards
	return zapcore.Level(int8(-verbosity)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}

	lfv.onLevelAvailable(level)
	lfv.value = flagValue
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}

var _ pflag.Value = &LevelFlagValue{}
