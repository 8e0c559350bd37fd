// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package master

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
)

// ErrorCode is the outcome of a transaction.
type ErrorCode int

const (
	NoError ErrorCode = iota
	Timeout
	NotConnected
	CrcOrFormatError
	IllegalFunction
	IllegalDataAddress
	IllegalDataValue
	SlaveDeviceFailure
	ResponseMismatch
)

var codeNames = [...]string{
	NoError:            "no error",
	Timeout:            "timeout",
	NotConnected:       "not connected",
	CrcOrFormatError:   "crc or format error",
	IllegalFunction:    "illegal function",
	IllegalDataAddress: "illegal data address",
	IllegalDataValue:   "illegal data value",
	SlaveDeviceFailure: "slave device failure",
	ResponseMismatch:   "response mismatch",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Error implements error so a code can be matched with errors.Is.
func (c ErrorCode) Error() string {
	return "modbus: " + c.String()
}

// TransactionError is returned by every failed operation.
type TransactionError struct {
	Function byte
	Code     ErrorCode
	// Err is the underlying cause, if any.
	Err error
}

func (e *TransactionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("modbus: %s: %s: %v", modbus.FunctionName(e.Function), e.Code, e.Err)
	}
	return fmt.Sprintf("modbus: %s: %s", modbus.FunctionName(e.Function), e.Code)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the ErrorCode of e.
func (e *TransactionError) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

// CodeOf returns the ErrorCode carried by err. A nil error is NoError and an
// error from outside the engine is SlaveDeviceFailure.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var te *TransactionError
	if errors.As(err, &te) {
		return te.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return SlaveDeviceFailure
}

// exceptionCode maps the exception byte of a response.
func exceptionCode(b byte) ErrorCode {
	switch b {
	case modbus.ExceptionCodeIllegalFunction:
		return IllegalFunction
	case modbus.ExceptionCodeIllegalDataAddress:
		return IllegalDataAddress
	case modbus.ExceptionCodeIllegalDataValue:
		return IllegalDataValue
	case modbus.ExceptionCodeServerDeviceFailure:
		return SlaveDeviceFailure
	default:
		return ResponseMismatch
	}
}

func fail(fn byte, code ErrorCode, err error) error {
	return &TransactionError{Function: fn, Code: code, Err: err}
}
