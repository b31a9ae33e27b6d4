package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

func init() {
	Register("plain", newPlain)
}

// plainConfidence is assigned to regex-matched plain-text records: the match
// tells us what happened but not with transcript-level certainty.
const plainConfidence = 0.6

// plainAdapter follows free-form text logs using the regexes declared in the
// manifest's event_patterns. Named capture groups feed the record:
// (?P<session>...), (?P<time>...), (?P<tool>...), (?P<path>...), (?P<op>...),
// (?P<msg>...), (?P<model>...), (?P<in>...), (?P<out>...).
type plainAdapter struct {
	manifest Manifest
	agent    model.AgentType
	offsets  OffsetStore
	patterns map[RecordKind]*regexp.Regexp
}

func newPlain(m Manifest, offsets OffsetStore) (Adapter, error) {
	if len(m.EventPatterns) == 0 {
		return nil, fmt.Errorf("adapter %q: plain mode requires event_patterns", m.Name)
	}
	if offsets == nil {
		offsets = MemOffsets{}
	}

	patterns := make(map[RecordKind]*regexp.Regexp, len(m.EventPatterns))
	for kind, expr := range m.EventPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: pattern %q: %w", m.Name, kind, err)
		}
		patterns[RecordKind(kind)] = re
	}

	return &plainAdapter{
		manifest: m,
		agent:    m.Agent(),
		offsets:  offsets,
		patterns: patterns,
	}, nil
}

func (a *plainAdapter) Name() string           { return a.manifest.Name }
func (a *plainAdapter) Agent() model.AgentType { return a.agent }
func (a *plainAdapter) Close() error           { return nil }

// PollNext reads new lines from the log file (or every *.log file when the
// path is a directory) and emits a record per line matching a configured
// pattern. Unmatched lines are noise, not errors.
func (a *plainAdapter) PollNext(ctx context.Context) ([]RawRecord, error) {
	paths, err := a.logFiles()
	if err != nil {
		return nil, err
	}

	var records []RawRecord
	for _, path := range paths {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
		recs, err := a.readFile(path)
		if err != nil {
			continue
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (a *plainAdapter) logFiles() ([]string, error) {
	info, err := os.Stat(a.manifest.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{a.manifest.LogPath}, nil
	}
	matches, err := filepath.Glob(filepath.Join(a.manifest.LogPath, "*.log"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (a *plainAdapter) readFile(path string) ([]RawRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	offset, known := a.offsets.Offset(path)
	if known && info.Size() <= offset {
		return nil, nil
	}
	if offset > info.Size() {
		offset = 0
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the manifest
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	fallbackID := a.manifest.Name + "/" + filepath.Base(path)

	var records []RawRecord
	read := offset
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			// Partial trailing line; re-read it once it is terminated.
			break
		}
		if err != nil {
			return records, err
		}
		read += int64(len(line))
		if rec, ok := a.matchLine(strings.TrimRight(line, "\r\n"), fallbackID); ok {
			records = append(records, rec)
		}
	}

	_ = a.offsets.SetOffset(path, read)
	return records, nil
}

func (a *plainAdapter) matchLine(line, fallbackID string) (RawRecord, bool) {
	for kind, re := range a.patterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		groups := captureGroups(re, m)

		rec := RawRecord{
			Agent:      a.agent,
			Source:     a.manifest.Name,
			ExternalID: fallbackID,
			Kind:       kind,
			Raw:        []byte(line),
			Confidence: plainConfidence,
		}
		if s := groups["session"]; s != "" {
			rec.ExternalID = s
		}
		if ts := groups["time"]; ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				rec.Timestamp = t
			}
		}

		switch kind {
		case KindToolCall:
			rec.Tool = &model.ToolPayload{Name: groups["tool"]}
		case KindFileOp:
			op := groups["op"]
			if op == "" {
				op = "edit"
			}
			rec.File = &model.FilePayload{Path: groups["path"], Operation: op}
		case KindError:
			rec.ErrKind = "source_error"
			rec.ErrMessage = groups["msg"]
		case KindTerminate:
			rec.Terminal = model.StatusCompleted
		case KindTokenUsage:
			rec.Model = groups["model"]
			rec.TokensIn = parseInt64(groups["in"])
			rec.TokensOut = parseInt64(groups["out"])
		}

		return rec, true
	}
	return RawRecord{}, false
}

func captureGroups(re *regexp.Regexp, match []string) map[string]string {
	groups := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) {
			groups[name] = match[i]
		}
	}
	return groups
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
