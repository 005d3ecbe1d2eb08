// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scte35 encodes and decodes SCTE-35 splice_info_section payloads
// used to signal ad breaks in HLS CUE tags and DASH EventStreams.
package scte35

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/Comcast/gots/v2"
	"github.com/Comcast/gots/v2/scte35"
)

// Command identifies the splice_command_type of a decoded splice_info_section.
type Command int

const (
	CommandUnknown Command = iota
	CommandSpliceInsert
	CommandTimeSignal
)

// SpliceInsertParams describes the fields needed to encode a splice_insert
// command announcing an ad break (CUE-OUT) or its return to content (CUE-IN).
type SpliceInsertParams struct {
	SpliceEventID   uint32
	PTSTime         uint64 // 90kHz clock ticks, 33-bit
	Duration        uint64 // 90kHz clock ticks; zero means no duration (CUE-IN)
	OutOfNetwork    bool   // true for break start, false for break end
	AutoReturn      bool
	AvailNum        uint8
	AvailsExpected  uint8
	UniqueProgramID uint16
}

// EncodeSpliceInsert builds a splice_info_section carrying a splice_insert
// command, returning the raw binary payload (with CRC_32 appended).
func EncodeSpliceInsert(p SpliceInsertParams) []byte {
	s := scte35.CreateSCTE35()
	s.SetTier(4095)
	cmd := scte35.CreateSpliceInsertCommand()
	cmd.SetUniqueProgramId(p.UniqueProgramID)
	cmd.SetEventID(p.SpliceEventID)
	cmd.SetAvailNum(p.AvailNum)
	cmd.SetAvailsExpected(p.AvailsExpected)
	if p.Duration != 0 {
		cmd.SetHasDuration(true)
		cmd.SetDuration(gots.PTS(p.Duration))
		cmd.SetIsAutoReturn(p.AutoReturn)
	}
	cmd.SetHasPTS(true)
	cmd.SetPTS(gots.PTS(p.PTSTime))
	cmd.SetIsOut(p.OutOfNetwork)
	s.SetCommandInfo(cmd)
	return s.UpdateData()
}

// EncodeSpliceInsertBase64 encodes a splice_insert payload as base64, the
// form carried in HLS EXT-X-CUE-OUT SCTE35 attributes and DASH EventStream
// signal elements.
func EncodeSpliceInsertBase64(p SpliceInsertParams) string {
	return base64.StdEncoding.EncodeToString(EncodeSpliceInsert(p))
}

// DecodedSplice is the subset of a splice_info_section this package
// understands: enough to detect and schedule ad breaks without needing a
// general-purpose SCTE-35 decoder.
type DecodedSplice struct {
	Command       Command
	SpliceEventID uint32
	PTSTime       uint64
	Duration      uint64
	HasDuration   bool
	OutOfNetwork  bool
}

// ErrUnsupportedCommand is returned when the splice_command_type is not one
// this package decodes (splice_insert and time_signal cover every signal
// the ad-break detector needs to act on).
var ErrUnsupportedCommand = errors.New("scte35: unsupported splice_command_type")

// maxReasonableDurationTicks guards against corrupt signals claiming absurd break
// lengths; the live profile never schedules ad breaks longer than an hour.
const maxReasonableDurationTicks = 3600 * 90000

// Decode parses a splice_info_section payload (as delivered, not base64)
// far enough to extract the splice command, event id, PTS, and break
// duration. It does not parse descriptors or verify CRC_32.
func Decode(b []byte) (DecodedSplice, error) {
	var d DecodedSplice
	if len(b) < 14 {
		return d, fmt.Errorf("scte35: payload too short (%d bytes)", len(b))
	}
	if b[0] != 0xFC {
		return d, fmt.Errorf("scte35: bad table_id 0x%02x", b[0])
	}

	r := bitReader{buf: b, bitPos: 8} // skip table_id

	r.skip(1)  // section_syntax_indicator
	r.skip(1)  // private_indicator
	r.skip(2)  // reserved
	r.read(12) // section_length (unused; caller already framed the payload)

	r.skip(8) // protocol_version
	encrypted := r.readBool(1)
	r.skip(6) // encryption_algorithm
	pts := r.read(33) // pts_adjustment, reused below as a splice_immediate fallback
	r.skip(20)        // cw_index(8) + tier(12)
	cmdLength := r.read(12)
	cmdType := r.read(8)

	if encrypted {
		return d, errors.New("scte35: encrypted splice_info_section not supported")
	}
	_ = cmdLength

	switch cmdType {
	case 0x05: // splice_insert
		d.Command = CommandSpliceInsert
		d.SpliceEventID = uint32(r.read(32))
		cancel := r.readBool(1)
		r.skip(7)
		if cancel {
			return d, nil
		}
		d.OutOfNetwork = r.readBool(1)
		programSplice := r.readBool(1)
		durationFlag := r.readBool(1)
		spliceImmediate := r.readBool(1)
		r.skip(4)
		if programSplice && !spliceImmediate {
			r.skip(1) // time_specified_flag
			r.skip(6) // reserved
			d.PTSTime = r.read(33)
		} else if spliceImmediate {
			d.PTSTime = pts
		}
		if durationFlag {
			r.skip(1) // auto_return
			r.skip(6) // reserved
			d.Duration = r.read(33)
			d.HasDuration = true
			if d.Duration > maxReasonableDurationTicks {
				return d, fmt.Errorf("scte35: implausible break duration %d ticks", d.Duration)
			}
		}
		return d, nil
	case 0x06: // time_signal
		d.Command = CommandTimeSignal
		r.skip(1) // time_specified_flag
		r.skip(6) // reserved
		d.PTSTime = r.read(33)
		return d, nil
	default:
		return d, ErrUnsupportedCommand
	}
}

// bitReader reads big-endian bitfields from a byte slice, MSB first.
type bitReader struct {
	buf    []byte
	bitPos int
}

func (r *bitReader) read(n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		byteIdx := r.bitPos / 8
		bitIdx := 7 - (r.bitPos % 8)
		if byteIdx >= len(r.buf) {
			r.bitPos++
			continue
		}
		bit := (r.buf[byteIdx] >> uint(bitIdx)) & 1
		v = (v << 1) | uint64(bit)
		r.bitPos++
	}
	return v
}

func (r *bitReader) readBool(n int) bool {
	return r.read(n) != 0
}

func (r *bitReader) skip(n int) {
	r.bitPos += n
}
