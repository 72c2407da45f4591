// Package codec encodes Machine and Task records to the binary payload stored
// in coordination nodes and decodes them back.
//
// Payloads use the protocol buffer wire format so that records written by
// other tooling with a matching schema stay readable:
//
//	message Machine {
//	  string name = 1;
//	  string region = 2;
//	  string hostname = 3;
//	  repeated string capabilities = 4;
//	  map<string, string> metadata = 5;
//	}
//
//	message Task {
//	  optional int64 id = 1;
//	  optional Runnable runnable = 2;
//	  optional string job = 3;
//	}
//
// Runnable fields are all optional and numbered in the order they are declared
// on models.Runnable. Unknown fields are skipped on decode.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sholiday/odin/internal/models"
)

var (
	// ErrDecode is returned when a payload does not parse as the expected record.
	ErrDecode = errors.New("malformed record")
	// ErrEncode is returned for records the wire format cannot carry, such
	// as strings that are not valid UTF-8.
	ErrEncode = errors.New("record cannot be encoded")
)

const (
	machineName         protowire.Number = 1
	machineRegion       protowire.Number = 2
	machineHostname     protowire.Number = 3
	machineCapabilities protowire.Number = 4
	machineMetadata     protowire.Number = 5

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	taskID       protowire.Number = 1
	taskRunnable protowire.Number = 2
	taskJob      protowire.Number = 3
)

const (
	runCommand protowire.Number = iota + 1
	runDirectory
	runUmask
	runPriority
	runAutorestart
	runStartSecs
	runStartRetries
	runStopSignal
	runStopWaitSecs
	runUser
	runRedirectStderr
	runStdoutLogfile
	runStdoutLogfileMaxBytes
	runStdoutLogfileBackups
	runStdoutCaptureMaxBytes
	runStderrLogfile
	runStderrLogfileMaxBytes
	runStderrLogfileBackups
	runStderrCaptureMaxBytes
)

// MarshalMachine encodes m. Metadata entries are written in key order so
// equal records always produce equal payloads.
func MarshalMachine(m *models.Machine) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: machine: nil record", ErrEncode)
	}
	if err := checkMachine(m); err != nil {
		return nil, err
	}
	var b []byte
	b = appendString(b, machineName, m.Name)
	b = appendString(b, machineRegion, m.Region)
	b = appendString(b, machineHostname, m.Hostname)
	for _, c := range m.Capabilities {
		b = protowire.AppendTag(b, machineCapabilities, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendString(entry, entryValue, m.Metadata[k])
		b = protowire.AppendTag(b, machineMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

// UnmarshalMachine decodes a machine payload. An empty payload is a valid,
// empty record.
func UnmarshalMachine(b []byte) (*models.Machine, error) {
	m := &models.Machine{}
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, decodeError("machine", 0, err)
		}
		switch num {
		case machineName:
			m.Name, err = d.string(typ)
		case machineRegion:
			m.Region, err = d.string(typ)
		case machineHostname:
			m.Hostname, err = d.string(typ)
		case machineCapabilities:
			var c string
			if c, err = d.string(typ); err == nil {
				m.Capabilities = append(m.Capabilities, c)
			}
		case machineMetadata:
			var k, v string
			if k, v, err = d.entry(typ); err == nil {
				if m.Metadata == nil {
					m.Metadata = make(map[string]string)
				}
				m.Metadata[k] = v
			}
		default:
			err = d.skip(num, typ)
		}
		if err != nil {
			return nil, decodeError("machine", num, err)
		}
	}
	return m, nil
}

// MarshalTask encodes t. Only fields that are set are written.
func MarshalTask(t *models.Task) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: task: nil record", ErrEncode)
	}
	if err := checkTask(t); err != nil {
		return nil, err
	}
	var b []byte
	if t.ID != nil {
		b = protowire.AppendTag(b, taskID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*t.ID))
	}
	if t.Runnable != nil {
		b = protowire.AppendTag(b, taskRunnable, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRunnable(t.Runnable))
	}
	b = appendOptString(b, taskJob, t.Job)
	return b, nil
}

func marshalRunnable(r *models.Runnable) []byte {
	var b []byte
	b = appendOptString(b, runCommand, r.Command)
	b = appendOptString(b, runDirectory, r.Directory)
	b = appendOptString(b, runUmask, r.Umask)
	b = appendOptInt32(b, runPriority, r.Priority)
	b = appendOptString(b, runAutorestart, r.Autorestart)
	b = appendOptInt32(b, runStartSecs, r.StartSecs)
	b = appendOptInt32(b, runStartRetries, r.StartRetries)
	b = appendOptString(b, runStopSignal, r.StopSignal)
	b = appendOptInt32(b, runStopWaitSecs, r.StopWaitSecs)
	b = appendOptString(b, runUser, r.User)
	if r.RedirectStderr != nil {
		b = protowire.AppendTag(b, runRedirectStderr, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*r.RedirectStderr))
	}
	b = appendOptString(b, runStdoutLogfile, r.StdoutLogfile)
	b = appendOptString(b, runStdoutLogfileMaxBytes, r.StdoutLogfileMaxBytes)
	b = appendOptInt32(b, runStdoutLogfileBackups, r.StdoutLogfileBackups)
	b = appendOptString(b, runStdoutCaptureMaxBytes, r.StdoutCaptureMaxBytes)
	b = appendOptString(b, runStderrLogfile, r.StderrLogfile)
	b = appendOptString(b, runStderrLogfileMaxBytes, r.StderrLogfileMaxBytes)
	b = appendOptInt32(b, runStderrLogfileBackups, r.StderrLogfileBackups)
	b = appendOptString(b, runStderrCaptureMaxBytes, r.StderrCaptureMaxBytes)
	return b
}

// UnmarshalTask decodes a task payload.
func UnmarshalTask(b []byte) (*models.Task, error) {
	t := &models.Task{}
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, decodeError("task", 0, err)
		}
		switch num {
		case taskID:
			var v uint64
			if v, err = d.varint(typ); err == nil {
				t.ID = models.Int64(int64(v))
			}
		case taskRunnable:
			var raw []byte
			if raw, err = d.bytes(typ); err == nil {
				t.Runnable, err = unmarshalRunnable(raw)
			}
		case taskJob:
			var s string
			if s, err = d.string(typ); err == nil {
				t.Job = models.String(s)
			}
		default:
			err = d.skip(num, typ)
		}
		if err != nil {
			return nil, decodeError("task", num, err)
		}
	}
	return t, nil
}

func unmarshalRunnable(b []byte) (*models.Runnable, error) {
	r := &models.Runnable{}
	strs := map[protowire.Number]**string{
		runCommand:               &r.Command,
		runDirectory:             &r.Directory,
		runUmask:                 &r.Umask,
		runAutorestart:           &r.Autorestart,
		runStopSignal:            &r.StopSignal,
		runUser:                  &r.User,
		runStdoutLogfile:         &r.StdoutLogfile,
		runStdoutLogfileMaxBytes: &r.StdoutLogfileMaxBytes,
		runStdoutCaptureMaxBytes: &r.StdoutCaptureMaxBytes,
		runStderrLogfile:         &r.StderrLogfile,
		runStderrLogfileMaxBytes: &r.StderrLogfileMaxBytes,
		runStderrCaptureMaxBytes: &r.StderrCaptureMaxBytes,
	}
	ints := map[protowire.Number]**int32{
		runPriority:             &r.Priority,
		runStartSecs:            &r.StartSecs,
		runStartRetries:         &r.StartRetries,
		runStopWaitSecs:         &r.StopWaitSecs,
		runStdoutLogfileBackups: &r.StdoutLogfileBackups,
		runStderrLogfileBackups: &r.StderrLogfileBackups,
	}

	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		if dst, ok := strs[num]; ok {
			s, err := d.string(typ)
			if err != nil {
				return nil, fmt.Errorf("runnable field %d: %w", num, err)
			}
			*dst = models.String(s)
			continue
		}
		if dst, ok := ints[num]; ok {
			v, err := d.varint(typ)
			if err != nil {
				return nil, fmt.Errorf("runnable field %d: %w", num, err)
			}
			*dst = models.Int32(int32(v))
			continue
		}
		if num == runRedirectStderr {
			v, err := d.varint(typ)
			if err != nil {
				return nil, fmt.Errorf("runnable field %d: %w", num, err)
			}
			r.RedirectStderr = models.Bool(protowire.DecodeBool(v))
			continue
		}
		if err := d.skip(num, typ); err != nil {
			return nil, fmt.Errorf("runnable field %d: %w", num, err)
		}
	}
	return r, nil
}

func checkMachine(m *models.Machine) error {
	for num, v := range map[protowire.Number]string{
		machineName:     m.Name,
		machineRegion:   m.Region,
		machineHostname: m.Hostname,
	} {
		if err := checkString("machine", num, v); err != nil {
			return err
		}
	}
	for _, c := range m.Capabilities {
		if err := checkString("machine", machineCapabilities, c); err != nil {
			return err
		}
	}
	for k, v := range m.Metadata {
		if err := checkString("machine", machineMetadata, k); err != nil {
			return err
		}
		if err := checkString("machine", machineMetadata, v); err != nil {
			return err
		}
	}
	return nil
}

func checkTask(t *models.Task) error {
	if t.Job != nil {
		if err := checkString("task", taskJob, *t.Job); err != nil {
			return err
		}
	}
	if t.Runnable == nil {
		return nil
	}
	r := t.Runnable
	for num, v := range map[protowire.Number]*string{
		runCommand:               r.Command,
		runDirectory:             r.Directory,
		runUmask:                 r.Umask,
		runAutorestart:           r.Autorestart,
		runStopSignal:            r.StopSignal,
		runUser:                  r.User,
		runStdoutLogfile:         r.StdoutLogfile,
		runStdoutLogfileMaxBytes: r.StdoutLogfileMaxBytes,
		runStdoutCaptureMaxBytes: r.StdoutCaptureMaxBytes,
		runStderrLogfile:         r.StderrLogfile,
		runStderrLogfileMaxBytes: r.StderrLogfileMaxBytes,
		runStderrCaptureMaxBytes: r.StderrCaptureMaxBytes,
	} {
		if v == nil {
			continue
		}
		if err := checkString("runnable", num, *v); err != nil {
			return err
		}
	}
	return nil
}

// checkString rejects strings the decoder would refuse to read back.
func checkString(record string, num protowire.Number, v string) error {
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s field %d is not valid UTF-8", ErrEncode, record, num)
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendOptString(b []byte, num protowire.Number, v *string) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, *v)
}

func appendOptInt32(b []byte, num protowire.Number, v *int32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(*v)))
}

func decodeError(record string, num protowire.Number, err error) error {
	if num == 0 {
		return fmt.Errorf("%w: %s: %w", ErrDecode, record, err)
	}
	return fmt.Errorf("%w: %s field %d: %w", ErrDecode, record, num, err)
}

type decoder struct {
	b []byte
}

func (d *decoder) done() bool { return len(d.b) == 0 }

func (d *decoder) tag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return num, typ, nil
}

func (d *decoder) varint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) bytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) string(typ protowire.Type) (string, error) {
	v, err := d.bytes(typ)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(v) {
		return "", errors.New("string field is not valid UTF-8")
	}
	return string(v), nil
}

// entry decodes one map<string, string> entry.
func (d *decoder) entry(typ protowire.Type) (string, string, error) {
	raw, err := d.bytes(typ)
	if err != nil {
		return "", "", err
	}
	var k, v string
	e := decoder{b: raw}
	for !e.done() {
		num, typ, err := e.tag()
		if err != nil {
			return "", "", err
		}
		switch num {
		case entryKey:
			k, err = e.string(typ)
		case entryValue:
			v, err = e.string(typ)
		default:
			err = e.skip(num, typ)
		}
		if err != nil {
			return "", "", err
		}
	}
	return k, v, nil
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return nil
}
