package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	bannerPrefix     = "=== nightshift session "
	bannerSuffix     = " ==="
	workerOutputLine = "=== worker output ==="
	errorMarker      = "=== nightshift ERROR "
)

// StartBanner is written to the log before the worker starts.
func StartBanner(id string, at time.Time, workspace, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s started %s%s\n", bannerPrefix, id, at.UTC().Format(time.RFC3339), bannerSuffix)
	fmt.Fprintf(&b, "workspace: %s\n", workspace)
	fmt.Fprintf(&b, "task: %s\n", task)
	b.WriteString(workerOutputLine + "\n")
	return b.String()
}

// CompletionBanner is appended once the terminal commit has been written.
func CompletionBanner(id string, at time.Time) string {
	return fmt.Sprintf("%s%s completed %s%s\n", bannerPrefix, id, at.UTC().Format(time.RFC3339), bannerSuffix)
}

// CommitErrorMarker is appended instead of the completion banner when the
// terminal commit fails.
func CommitErrorMarker(err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	return fmt.Sprintf("%sterminal commit failed: %s%s\n", errorMarker, msg, bannerSuffix)
}

// LogInfo is what can be learned about a session from its log.
type LogInfo struct {
	StartedAt   time.Time
	Workspace   string
	Task        string
	Completed   bool
	CompletedAt time.Time
	CommitError string
	ModTime     time.Time
	Size        int64
}

// ReadLogInfo scans the log of session id. A missing log is returned as
// an error satisfying errors.Is(err, fs.ErrNotExist).
func ReadLogInfo(path, id string) (LogInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return LogInfo{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return LogInfo{}, err
	}
	info, err := parseLog(f, id)
	info.ModTime = st.ModTime()
	info.Size = st.Size()
	return info, err
}

// parseLog reads the header and the trailer of a session log. The supervisor
// appends the completion banner or the error marker as the final line, so
// only the last line after the worker output is trusted for either; the
// worker may print anything before it.
func parseLog(r io.Reader, id string) (LogInfo, error) {
	var info LogInfo
	started := bannerPrefix + id + " started "
	completed := bannerPrefix + id + " completed "

	br := bufio.NewReader(r)
	inHeader := false
	inTask := false
	var task []string
	var last string
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, started) && info.StartedAt.IsZero():
				info.StartedAt = parseBannerTime(line, started)
				inHeader = true
			case inHeader && line == workerOutputLine:
				inHeader, inTask = false, false
			case inHeader && strings.HasPrefix(line, "workspace: ") && !inTask:
				info.Workspace = strings.TrimPrefix(line, "workspace: ")
			case inHeader && strings.HasPrefix(line, "task: ") && !inTask:
				task = append(task, strings.TrimPrefix(line, "task: "))
				inTask = true
			case inTask:
				task = append(task, line)
			case strings.TrimSpace(line) != "":
				last = line
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return info, err
		}
	}
	info.Task = strings.Join(task, "\n")

	switch {
	case strings.HasPrefix(last, completed) && strings.HasSuffix(last, bannerSuffix):
		info.Completed = true
		info.CompletedAt = parseBannerTime(last, completed)
	case strings.HasPrefix(last, errorMarker):
		info.CommitError = strings.TrimSuffix(strings.TrimPrefix(last, errorMarker), bannerSuffix)
	}
	return info, nil
}

func parseBannerTime(line, prefix string) time.Time {
	ts := strings.TrimSuffix(strings.TrimPrefix(line, prefix), bannerSuffix)
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
