package beep

import "github.com/sirupsen/logrus"

// log is the package-level structured logger. Sessions attach their own
// fields (id, role, remote address) per call rather than carrying a
// logger instance, matching how a process typically shares one
// logrus.Logger across an engine's internals.
var log = logrus.StandardLogger()

// sessionLog returns a logrus entry pre-populated with the fields every
// lifecycle log line wants, the way a connection-oriented service
// conventionally tags its logs.
func sessionLog(s *Session) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"session": s.id,
		"role":    s.role.String(),
		"remote":  s.remoteAddrString(),
	})
}
