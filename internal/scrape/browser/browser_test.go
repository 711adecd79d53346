package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "seatwatch/pkg/logx"
)

func TestParseFlag(t *testing.T) {
	cases := []struct {
		in    string
		name  string
		value any
		ok    bool
	}{
		{"--no-sandbox", "no-sandbox", true, true},
		{"disable-gpu=false", "disable-gpu", false, true},
		{"--lang=zh-TW", "lang", "zh-TW", true},
		{"  ", "", nil, false},
	}
	for _, tc := range cases {
		name, value, ok := parseFlag(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.name, name, tc.in)
		assert.Equal(t, tc.value, value, tc.in)
	}
}

func TestAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)
	got := allocatorOptions(Config{Headless: true})
	assert.Len(t, got, base+1)

	got = allocatorOptions(Config{ExecPath: "/usr/bin/chromium", UserAgent: "ua", ExtraFlags: []string{"--no-sandbox", ""}})
	assert.Len(t, got, base+4)
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	assert.Equal(t, DefaultQueryURL, c.QueryURL)
	assert.Equal(t, DefaultNavigateTimeout, c.NavigateTimeout)
	assert.Equal(t, DefaultResultTimeout, c.ResultTimeout)
}

func TestRowMapping(t *testing.T) {
	r := rowJSON{Code: "CS3001301", Name: "OS", Presenter: "Lin", Enrollment: "40/38", Schedule: "M3", Location: "TR-313", Remark: "／限40人"}.row()
	assert.Equal(t, "CS3001301", r.Code)
	assert.Equal(t, "40/38", r.EnrollmentText)
	assert.Equal(t, "／限40人", r.Remark)
}

func TestStartGuardedAbortsOnDoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var killed atomic.Bool
	err := startGuarded(ctx, context.Background(), time.Minute, func() { killed.Store(true) })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, killed.Load, time.Second, 10*time.Millisecond)
}

// queryPage mimics the course query page: a text box, and a result table
// filled in on Enter with one layout row and one 11-cell row per query.
const queryPage = `<!doctype html>
<html><body>
<input type="text" id="q">
<div class="v-datatable" style="display:none"><table><tbody id="rows"></tbody></table></div>
<script>
document.getElementById("q").addEventListener("keydown", e => {
	if (e.key !== "Enter") return;
	const code = e.target.value.trim();
	const cells = [code, "", "Course " + code, "", "", "", "Lin", "40/38", "M3", "TR-313", "／限40人"];
	document.getElementById("rows").innerHTML =
		"<tr><td colspan=11>header</td></tr><tr>" + cells.map(c => "<td>" + c + "</td>").join("") + "</tr>";
	document.querySelector(".v-datatable").style.display = "block";
});
</script>
</body></html>`

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome or chromium binary on PATH")
	return ""
}

func TestSessionAgainstLocalPage(t *testing.T) {
	execPath := findChrome(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, queryPage)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := New(ctx, Config{
		QueryURL:        srv.URL,
		ExecPath:        execPath,
		Headless:        true,
		ExtraFlags:      []string{"--no-sandbox"},
		NavigateTimeout: 30 * time.Second,
		ResultTimeout:   10 * time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	// the browser and the tab must outlive the calls that started them
	first, err := s.OpenSession(ctx)
	require.NoError(t, err)
	defer first.Close()

	for _, code := range []string{"CS3001301", "EE2002302"} {
		require.NoError(t, first.Search(ctx, code), code)
		rows, err := first.Rows(ctx)
		require.NoError(t, err, code)
		require.Len(t, rows, 1, code)
		assert.Equal(t, code, rows[0].Code)
		assert.Equal(t, "Course "+code, rows[0].Name)
		assert.Equal(t, "40/38", rows[0].EnrollmentText)
		assert.Equal(t, "／限40人", rows[0].Remark)
	}

	second, err := s.OpenSession(ctx)
	require.NoError(t, err)
	defer second.Close()
	assert.EqualValues(t, 2, s.OpenSessions())

	require.NoError(t, second.Search(ctx, "GE1001301"))
	rows, err := second.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "GE1001301", rows[0].Code)
	assert.Equal(t, "Lin", rows[0].Presenter)
	assert.Equal(t, "TR-313", rows[0].Location)
}

// TestLiveQuery hits the real query page. Set SEATWATCH_LIVE_CODE to a
// course code to run it.
func TestLiveQuery(t *testing.T) {
	code := os.Getenv("SEATWATCH_LIVE_CODE")
	if code == "" {
		t.Skip("SEATWATCH_LIVE_CODE not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := New(ctx, Config{Headless: true}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.OpenSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	assert.EqualValues(t, 1, s.OpenSessions())

	require.NoError(t, sess.Search(ctx, code))
	rows, err := sess.Rows(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}
