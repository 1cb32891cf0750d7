package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectParsed(t *testing.T) (*outputParser, *[]Event) {
	t.Helper()
	var got []Event
	p := newOutputParser("s1", func(ev Event) { got = append(got, ev) })
	return p, &got
}

func TestParserExtractsMarkedEvents(t *testing.T) {
	p, got := collectParsed(t)

	p.Feed([]byte("regular terminal output\n"))
	p.Feed([]byte(`@event {"type":"THOUGHT","text":"planning the change"}` + "\n"))
	p.Feed([]byte(`@event {"type":"FILE_TOUCHED","path":"main.go","reason":"write"}` + "\n"))

	require.Len(t, *got, 2)
	assert.Equal(t, EventThought, (*got)[0].Type)
	assert.Equal(t, "planning the change", (*got)[0].Text)
	assert.Equal(t, EventFileTouched, (*got)[1].Type)
	assert.Equal(t, "main.go", (*got)[1].Path)
	assert.Equal(t, "write", (*got)[1].Reason)
}

func TestParserBuffersPartialLines(t *testing.T) {
	p, got := collectParsed(t)

	p.Feed([]byte(`@event {"type":"TOOL_USE","to`))
	require.Empty(t, *got)
	p.Feed([]byte(`ol":"shell","data":{"command":"go test"}}` + "\n"))

	require.Len(t, *got, 1)
	assert.Equal(t, EventToolUse, (*got)[0].Type)
	assert.Equal(t, "shell", (*got)[0].Tool)
	assert.Equal(t, "go test", (*got)[0].Data["command"])
}

func TestParserStripsANSI(t *testing.T) {
	p, got := collectParsed(t)

	p.Feed([]byte("\x1b[32m@event {\"type\":\"INFO\",\"text\":\"colored\"}\x1b[0m\n"))

	require.Len(t, *got, 1)
	assert.Equal(t, EventInfo, (*got)[0].Type)
}

func TestParserApprovalRequest(t *testing.T) {
	p, got := collectParsed(t)

	p.Feed([]byte(`@event {"type":"REQUEST_APPROVAL","approval_id":"ap1","category":"merge","summary":"merge it","risk":"high","timeout_ms":60000}` + "\n"))

	require.Len(t, *got, 1)
	ev := (*got)[0]
	require.NotNil(t, ev.Approval)
	assert.Equal(t, "ap1", ev.Approval.ApprovalID)
	assert.Equal(t, "s1", ev.Approval.SessionID)
	assert.Equal(t, "merge it", ev.Approval.Summary)
	require.NotNil(t, ev.Approval.TimeoutAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *ev.Approval.TimeoutAt, 5*time.Second)
}

func TestParserDiffSummary(t *testing.T) {
	p, got := collectParsed(t)

	p.Feed([]byte(`@event {"type":"DIFF_SUMMARY","files_changed":3,"lines_added":120,"lines_removed":8,"files":["a.go","b.go","c.go"]}` + "\n"))

	require.Len(t, *got, 1)
	diff := (*got)[0].Diff
	require.NotNil(t, diff)
	assert.Equal(t, 3, diff.FilesChanged)
	assert.Equal(t, 120, diff.LinesAdded)
	assert.Equal(t, 8, diff.LinesRemoved)
	assert.Len(t, diff.Files, 3)
}

func TestParserUnknownTypeBecomesInfo(t *testing.T) {
	p, got := collectParsed(t)

	p.Feed([]byte(`@event {"type":"SOMETHING_NEW","text":"hi"}` + "\n"))

	require.Len(t, *got, 1)
	assert.Equal(t, EventInfo, (*got)[0].Type)
}

func TestParserIgnoresMalformedJSON(t *testing.T) {
	p, got := collectParsed(t)

	p.Feed([]byte("@event {not json}\n"))
	p.Feed([]byte("@eventmissing space\n"))

	assert.Empty(t, *got)
}

func TestMockAdapterScriptAndStop(t *testing.T) {
	mock := NewMock()
	mock.Script = []Event{{Type: EventThought, Text: "a"}}
	mock.ExitCode = 3

	var got []Event
	done := make(chan struct{})
	mock.OnEvent(func(ev Event) {
		got = append(got, ev)
		if ev.Type == EventExited {
			close(done)
		}
	})

	_, err := mock.StartSession(t.Context(), StartOptions{SessionID: "s1"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mock never exited")
	}

	require.Len(t, got, 2)
	assert.Equal(t, EventThought, got[0].Type)
	assert.Equal(t, EventExited, got[1].Type)
	assert.Equal(t, 3, got[1].ExitCode)
}
