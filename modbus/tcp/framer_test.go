// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ffutop/modbus-master/modbus"
)

func TestEncodeDecode(t *testing.T) {
	tx := modbus.NewRawFrame(MaxSize)
	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x01, 0x00, 0x01}}
	if err := (Framer{}).Encode(modbus.Header{TransactionID: 123, SlaveID: 1}, pdu, tx); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []byte{0x00, 0x7B, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x01, 0x00, 0x01}
	if !bytes.Equal(tx.Bytes(), want) {
		t.Fatalf("Encode = % X, want % X", tx.Bytes(), want)
	}

	h, got, err := Framer{}.Decode(tx.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.TransactionID != 123 || h.SlaveID != 1 {
		t.Errorf("Decode header = %+v", h)
	}
	if got.FunctionCode != 0x03 || !bytes.Equal(got.Data, pdu.Data) {
		t.Errorf("Decode pdu = %+v", got)
	}
}

func TestFrameLength(t *testing.T) {
	tests := []struct {
		name    string
		header  []byte
		want    int
		wantErr error
	}{
		{"ReadResponse", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01}, 11, nil},
		{"BadProtocolID", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x05, 0x01}, 0, modbus.ErrFrameFormat},
		{"LengthTooSmall", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}, 0, modbus.ErrFrameFormat},
		{"LengthTooLarge", []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01}, 0, modbus.ErrFrameFormat},
		{"Short", []byte{0x00, 0x01}, 0, modbus.ErrFrameFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Framer{}.FrameLength(tt.header)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FrameLength() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FrameLength() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FrameLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x02, 0xAA}
	if _, _, err := (Framer{}).Decode(raw); !errors.Is(err, modbus.ErrFrameFormat) {
		t.Fatalf("expected ErrFrameFormat, got %v", err)
	}
}
