package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accessguard/internal/errs"
)

const noticeLog = "#fields\tts\tid.orig_h\tnote\tmsg\n" +
	"#types\ttime\taddr\tenum\tstring\n"

func writeLog(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func appendLog(t *testing.T, dir, name, content string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestReadLogRejectsNamesOutsideWhitelist(t *testing.T) {
	src, err := NewSource(t.TempDir(), nil)
	require.NoError(t, err)

	for _, name := range []string{"secrets.log", "../notice.log", "/etc/passwd", "sub/notice.log"} {
		_, err := src.ReadLog(name, 10)
		require.True(t, errs.IsValidation(err), name)
	}
}

func TestReadLogLimits(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString(noticeLog)
	for i := 0; i < 80; i++ {
		b.WriteString("1700000000.0\t10.0.0.5\tScan::Port_Scan\tscan\n")
	}
	writeLog(t, dir, "notice.log", b.String())

	src, err := NewSource(dir, nil)
	require.NoError(t, err)

	recs, err := src.ReadLog("notice.log", -1)
	require.NoError(t, err)
	require.Len(t, recs, DefaultMaxLines)

	recs, err = src.ReadLog("notice.log", 0)
	require.NoError(t, err)
	require.Empty(t, recs)

	recs, err = src.ReadLog("notice.log", 200)
	require.NoError(t, err)
	require.Len(t, recs, 80)

	recs, err = src.ReadLog("notice.log", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "notice.log", recs[0].Source)
}

func TestCollectKeepsPartialLinesAndHandlesTruncation(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "conn.log", "a\nb\npart")
	src, err := NewSource(dir, []string{"conn.log"})
	require.NoError(t, err)
	tl := NewTailer(src, true)

	lines, err := tl.collect("conn.log")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, lines)

	appendLog(t, dir, "conn.log", "ial\r\nc\n")
	lines, err = tl.collect("conn.log")
	require.NoError(t, err)
	require.Equal(t, []string{"partial", "c"}, lines)

	writeLog(t, dir, "conn.log", "x\n")
	lines, err = tl.collect("conn.log")
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, lines)
}

func TestTailerFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "notice.log", noticeLog)
	src, err := NewSource(dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tl := NewTailer(src, true)
	require.NoError(t, tl.Start(ctx))

	for _, want := range strings.Split(strings.TrimSuffix(noticeLog, "\n"), "\n") {
		line, err := tl.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, "notice.log", line.Source)
		require.Equal(t, want, line.Text)
	}

	appendLog(t, dir, "notice.log", "1700000000.0\t10.0.0.5\tScan::Port_Scan\tscan\n")
	writeLog(t, dir, "ignored.log", "nope\n")

	line, err := tl.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "notice.log", line.Source)
	require.True(t, strings.HasPrefix(line.Text, "1700000000.0"))
}
