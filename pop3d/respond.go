package pop3d

import "fmt"

func (s *session) writeLine(f string, a ...interface{}) error {
	return s.wr.PrintfLine(f, a...)
}

func (s *session) writeOK(f string, a ...interface{}) error {
	return s.wr.PrintfLine("+OK %s", fmt.Sprintf(f, a...))
}

func (s *session) writeErr(f string, a ...interface{}) error {
	return s.wr.PrintfLine("-ERR %s", fmt.Sprintf(f, a...))
}

func (s *session) ok(msg string) error {
	return s.writeOK(msg)
}
