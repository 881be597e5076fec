// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package kuc implements the group-keyed broadcast channel used to push
// typed notifications from the daemon to registered listeners. listeners
// hand in the write end of a pipe, messages are small framed records
// written whole so that they stay atomic on the pipe.
package kuc

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	Magic      = 0x191C
	HeaderSize = 8
	MaxMsgLen  = 1<<16 - 1
)

// groups
const (
	GroupHSM    = 2
	GroupImport = 3
	GroupMax    = GroupImport
)

// transports
const (
	TransportGeneric = 1
	TransportHSM     = 2
	TransportImport  = 3
)

// message types understood by every transport.
const (
	MsgShutdown = 1
)

// message types of TransportImport.
const (
	MsgImportState = 2
)

// Header prefixes every message. MsgLen covers the header itself.
type Header struct {
	Magic     uint16
	Transport uint8
	Flags     uint8
	MsgType   uint16
	MsgLen    uint16
}

// NewMessage frames `payload` into a complete message.
func NewMessage(transport uint8, msgType uint16, payload []byte) ([]byte, error) {
	total := HeaderSize + len(payload)
	if total > MaxMsgLen {
		return nil, errors.Wrapf(unix.EINVAL, "message of %d bytes exceeds %d",
			total, MaxMsgLen)
	}
	msg := make([]byte, total)
	binary.LittleEndian.PutUint16(msg[0:], Magic)
	msg[2] = transport
	msg[3] = 0
	binary.LittleEndian.PutUint16(msg[4:], msgType)
	binary.LittleEndian.PutUint16(msg[6:], uint16(total))
	copy(msg[HeaderSize:], payload)
	return msg, nil
}

// ParseHeader decodes the header at the start of `b`.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(unix.EPROTO, "short message header (%d bytes)", len(b))
	}
	return Header{
		Magic:     binary.LittleEndian.Uint16(b[0:]),
		Transport: b[2],
		Flags:     b[3],
		MsgType:   binary.LittleEndian.Uint16(b[4:]),
		MsgLen:    binary.LittleEndian.Uint16(b[6:]),
	}, nil
}

// Send writes the framed message `msg` to `w` in a single write.
func Send(w io.Writer, msg []byte) error {
	h, err := ParseHeader(msg)
	if err != nil || h.Magic != Magic {
		return errors.Wrapf(unix.ENOSYS, "bad message magic %#x, expected %#x",
			h.Magic, Magic)
	}
	if int(h.MsgLen) != len(msg) {
		return errors.Wrapf(unix.EINVAL, "message length %d doesn't match "+
			"header length %d", len(msg), h.MsgLen)
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Wrap(err, "KUC message write failed")
	}
	return nil
}

// Reader decodes messages from the listening end of a channel.
type Reader struct {
	r         *bufio.Reader
	transport uint8
}

// NewReader returns a reader accepting messages of `transport` only, or of
// any transport if `transport` is 0.
func NewReader(r io.Reader, transport uint8) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, MaxMsgLen), transport: transport}
}

// Next returns the next message. a message with a bad magic fails with
// EPROTO; messages of other transports are skipped.
func (rd *Reader) Next() (Header, []byte, error) {
	for {
		var hdr [HeaderSize]byte
		if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
			return Header{}, nil, err
		}
		h, err := ParseHeader(hdr[:])
		if err != nil {
			return Header{}, nil, err
		}
		if h.Magic != Magic {
			return h, nil, errors.Wrapf(unix.EPROTO, "bad message magic %#x, "+
				"expected %#x", h.Magic, Magic)
		}
		if h.MsgLen < HeaderSize {
			return h, nil, errors.Wrapf(unix.EPROTO, "message length %d "+
				"shorter than its header", h.MsgLen)
		}
		payload := make([]byte, int(h.MsgLen)-HeaderSize)
		if _, err := io.ReadFull(rd.r, payload); err != nil {
			return h, nil, errors.Wrap(err, "truncated KUC message")
		}
		if rd.transport != 0 && h.Transport != rd.transport &&
			h.MsgType != MsgShutdown {
			continue
		}
		return h, payload, nil
	}
}

// NewPipe creates a close-on-exec pipe: the write end is what listeners
// register, the read end is what they read messages from.
func NewPipe() (r, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, errors.Wrap(err, "failed to create KUC pipe")
	}
	return os.NewFile(uintptr(fds[0]), "kuc-r"), os.NewFile(uintptr(fds[1]), "kuc-w"), nil
}

type registration struct {
	w    io.WriteCloser // nil once the listener went away
	uid  uint32
	data interface{}
}

// Registry tracks the listeners of every group.
type Registry struct {
	log *logrus.Entry

	mu     sync.RWMutex // protects groups
	groups [GroupMax + 1][]*registration
}

func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{log: log.WithField("svc", "kuc")}
}

func checkGroup(group int) error {
	if group < 0 || group > GroupMax {
		return errors.Wrapf(unix.EINVAL, "KUC group %d out of range [0, %d]",
			group, GroupMax)
	}
	return nil
}

// Add registers `w` as a listener of `group` on behalf of `uid`. `data` is
// handed back by ForEach().
func (reg *Registry) Add(w io.WriteCloser, uid uint32, group int, data interface{}) error {
	if err := checkGroup(group); err != nil {
		return err
	}
	if w == nil {
		return errors.Wrap(unix.EBADF, "no KUC channel to register")
	}

	reg.mu.Lock()
	reg.groups[group] = append(reg.groups[group], &registration{w: w, uid: uid, data: data})
	reg.mu.Unlock()

	reg.log.WithFields(logrus.Fields{
		"group": group,
		"uid":   uid,
	}).Debug("KUC listener added")
	return nil
}

// Remove unregisters (and closes) every listener of `group` that belongs to
// `uid`. uid 0 means everybody; they get a SHUTDOWN message first.
func (reg *Registry) Remove(uid uint32, group int) error {
	if err := checkGroup(group); err != nil {
		return err
	}
	if uid == 0 {
		msg, _ := NewMessage(TransportGeneric, MsgShutdown, nil)
		if err := reg.Broadcast(group, msg); err != nil {
			reg.log.WithError(err).WithField("group", group).
				Debug("KUC shutdown broadcast not delivered")
		}
	}

	var gone []io.Closer
	reg.mu.Lock()
	kept := reg.groups[group][:0]
	for _, r := range reg.groups[group] {
		if uid == 0 || r.uid == uid {
			if r.w != nil {
				gone = append(gone, r.w)
			}
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(reg.groups[group]); i++ {
		reg.groups[group][i] = nil
	}
	reg.groups[group] = kept
	reg.mu.Unlock()

	for _, c := range gone {
		c.Close()
	}
	reg.log.WithFields(logrus.Fields{
		"group":   group,
		"uid":     uid,
		"removed": len(gone),
	}).Debug("KUC listeners removed")
	return nil
}

// Broadcast sends `msg` to every live listener of `group`. a listener whose
// reading end is gone (EPIPE) is closed and skipped from then on. the call
// succeeds if at least one listener got the message.
func (reg *Registry) Broadcast(group int, msg []byte) error {
	if err := checkGroup(group); err != nil {
		return err
	}

	var lastErr error
	delivered := false
	var broken []*registration

	reg.mu.RLock()
	for _, r := range reg.groups[group] {
		if r.w == nil {
			continue
		}
		err := Send(r.w, msg)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, unix.EPIPE):
			broken = append(broken, r)
			lastErr = err
		default:
			lastErr = err
		}
	}
	reg.mu.RUnlock()

	if len(broken) > 0 {
		reg.mu.Lock()
		for _, r := range broken {
			if r.w != nil {
				r.w.Close()
				r.w = nil
			}
		}
		reg.mu.Unlock()
		reg.log.WithFields(logrus.Fields{
			"group":  group,
			"broken": len(broken),
		}).Info("dropped KUC listeners that went away")
	}

	if delivered {
		return nil
	}
	return lastErr
}

// ForEach invokes `fn` with the registration data of every listener of
// `group`, stopping at the first error.
func (reg *Registry) ForEach(group int, fn func(data interface{}) error) error {
	if err := checkGroup(group); err != nil {
		return err
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, r := range reg.groups[group] {
		if err := fn(r.data); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of live listeners of `group`.
func (reg *Registry) Len(group int) int {
	if checkGroup(group) != nil {
		return 0
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	n := 0
	for _, r := range reg.groups[group] {
		if r.w != nil {
			n++
		}
	}
	return n
}
