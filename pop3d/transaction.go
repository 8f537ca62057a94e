package pop3d

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"m365proxy/mailbox"
)

func (s *session) dispatchTransaction(cmd string, args []string) error {
	switch cmd {
	case "STAT":
		return s.onStat(args)
	case "LIST":
		return s.onList(args)
	case "UIDL":
		return s.onUIDL(args)
	case "RETR":
		return s.onRetr(args)
	case "DELE":
		return s.onDele(args)
	case "RSET":
		return s.onRset(args)
	case "NOOP":
		return s.ok("")
	case "CAPA":
		return s.onCapa(args)
	case "QUIT":
		return s.onQuitTransaction()
	default:
		return s.writeErr("invalid command: '%s'", cmd)
	}
}

// onStat reports (N, size) over every non-deleted message.
func (s *session) onStat(args []string) error {
	if len(args) != 0 {
		return s.writeErr("STAT takes no arguments")
	}
	n, sz := 0, 0
	for i, d := range s.descriptors {
		if s.deleted[i+1] {
			continue
		}
		n, sz = n+1, sz+d.Size
	}
	return s.writeOK("%d %d", n, sz)
}

func (s *session) onList(args []string) error {
	switch len(args) {
	case 0:
		if err := s.writeOK("scan listing follows"); err != nil {
			return err
		}
		for i, d := range s.descriptors {
			idx := i + 1
			if s.deleted[idx] {
				continue
			}
			if err := s.writeLine("%d %d", idx, d.Size); err != nil {
				return err
			}
		}
		return s.writeLine(".")
	case 1:
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return s.writeErr("invalid argument to LIST")
		}
		d, ok := s.descriptorAt(idx)
		if !ok {
			return s.writeErr("no such message")
		}
		return s.writeOK("%d %d", idx, d.Size)
	default:
		return s.writeErr("invalid arguments to LIST")
	}
}

func (s *session) onUIDL(args []string) error {
	switch len(args) {
	case 0:
		if err := s.writeOK("unique-id listing follows"); err != nil {
			return err
		}
		for i, d := range s.descriptors {
			idx := i + 1
			if s.deleted[idx] {
				continue
			}
			if err := s.writeLine("%d %s", idx, d.ID); err != nil {
				return err
			}
		}
		return s.writeLine(".")
	case 1:
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return s.writeErr("invalid argument to UIDL")
		}
		d, ok := s.descriptorAt(idx)
		if !ok {
			return s.writeErr("no such message")
		}
		return s.writeOK("%d %s", idx, d.ID)
	default:
		return s.writeErr("invalid arguments to UIDL")
	}
}

// onRetr returns one message's raw bytes: fetched on first access,
// cached by id thereafter, with dot-stuffing on the transmitted bytes.
func (s *session) onRetr(args []string) error {
	if len(args) != 1 {
		return s.writeErr("invalid arguments to RETR")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return s.writeErr("invalid argument to RETR")
	}
	d, ok := s.descriptorAt(idx)
	if !ok {
		return s.writeErr("no such message")
	}

	raw, ok := s.bodyCache[d.ID]
	if !ok {
		raw, ok = s.front.ops.FetchRaw(context.Background(), s.mailboxAddr, d.ID)
		if !ok {
			return s.writeErr("message unavailable")
		}
		s.bodyCache[d.ID] = raw
	}

	if err := s.writeOK("message follows"); err != nil {
		return err
	}
	return s.writeDotStuffed(raw)
}

func (s *session) onDele(args []string) error {
	if len(args) != 1 {
		return s.writeErr("invalid arguments to DELE")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return s.writeErr("invalid argument to DELE")
	}
	if _, ok := s.descriptorAt(idx); !ok {
		return s.writeErr("no such message")
	}
	if s.deleted[idx] {
		return s.writeErr("message %d already deleted", idx)
	}
	s.deleted[idx] = true
	return s.writeOK("message %d deleted", idx)
}

func (s *session) onRset(args []string) error {
	if len(args) != 0 {
		return s.writeErr("RSET takes no arguments")
	}
	s.deleted = make(map[int]bool)
	return s.writeOK("")
}

// onQuitTransaction implements the Update state: delete every
// marked message via Mailbox Operations.delete, logging but not aborting on
// individual failures, then always reply +OK and close.
func (s *session) onQuitTransaction() error {
	s.state = stateUpdate
	ctx := context.Background()
	for i, d := range s.descriptors {
		idx := i + 1
		if !s.deleted[idx] {
			continue
		}
		if err := s.front.ops.Delete(ctx, s.mailboxAddr, d.ID, d.ETag); err != nil {
			s.front.log.Warn("pop3: delete failed during QUIT, continuing", zap.Error(err))
		}
	}
	_ = s.writeOK("Bye")
	return errQuit
}

func (s *session) descriptorAt(idx int) (mailbox.Descriptor, bool) {
	if idx < 1 || idx > len(s.descriptors) || s.deleted[idx] {
		var zero mailbox.Descriptor
		return zero, false
	}
	return s.descriptors[idx-1], true
}

// writeDotStuffed writes raw as a POP3 multi-line response, doubling any
// leading '.' on a line (RFC 1939 §3), terminated by the lone "." line.
func (s *session) writeDotStuffed(raw []byte) error {
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			line := raw[start:i]
			line = trimCR(line)
			if len(line) > 0 && line[0] == '.' {
				line = append([]byte{'.'}, line...)
			}
			if _, err := s.wr.W.Write(line); err != nil {
				return err
			}
			if _, err := s.wr.W.Write([]byte("\r\n")); err != nil {
				return err
			}
			start = i + 1
		}
	}
	if err := s.wr.W.Flush(); err != nil {
		return err
	}
	return s.writeLine(".")
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
