package elspethlog

import (
	"bytes"
	"os"
)

// OutputSplitter routes logrus output to stderr for error-and-above
// entries and stdout otherwise, so container log collectors can apply
// separate retention/alerting rules per stream.
type OutputSplitter struct{}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}
