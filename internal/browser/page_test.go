// internal/browser/page_test.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPageHTML = `<!DOCTYPE html><html><body>
<form action="/default.aspx" method="get">
  <input type="hidden" name="action" value="otp">
  <input id="username" name="username">
  <input id="pass" name="pass" type="password">
  <button type="submit">Login</button>
</form>
</body></html>`

const otpPageHTML = `<!DOCTYPE html><html><body>
<div id="digits">%s</div>
<button id="ctl00_PageBody_OTP_Button1" onclick="location.href='/home?code='+collect()">Verify</button>
<script>
function collect() {
  var out = '';
  for (var i = 1; i <= 6; i++) { out += document.getElementById('digit-' + i).value; }
  return out;
}
</script>
</body></html>`

// newPortalServer serves a minimal two-step login flow.
func newPortalServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(loginPageHTML))
	})
	mux.HandleFunc("/default.aspx", func(w http.ResponseWriter, r *http.Request) {
		var inputs strings.Builder
		for i := 1; i <= 6; i++ {
			fmt.Fprintf(&inputs, `<input id="digit-%d" maxlength="1">`, i)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, otpPageHTML, inputs.String())
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1 id="welcome">Welcome</h1></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func launchTestPage(t *testing.T) (*Page, context.Context) {
	t.Helper()
	requireChrome(t)

	m := newTestManager(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	t.Cleanup(cancel)

	require.NoError(t, m.Launch(ctx))
	t.Cleanup(m.Close)

	page, err := m.NewPage(ctx)
	require.NoError(t, err)
	return page, ctx
}

func TestPage_FullPortalFlow(t *testing.T) {
	page, ctx := launchTestPage(t)
	srv := newPortalServer(t)

	require.NoError(t, page.Navigate(ctx, srv.URL+"/"))
	require.NoError(t, page.WaitPresent(ctx, ID("username"), 5*time.Second))
	require.NoError(t, page.Fill(ctx, ID("username"), "student"))
	require.NoError(t, page.Fill(ctx, ID("pass"), "secret"))
	require.NoError(t, page.Click(ctx, CSS(`button[type="submit"]`)))

	require.NoError(t, page.WaitURL(ctx, func(u string) bool {
		return strings.Contains(u, "action=otp")
	}, 10*time.Second))

	for i, d := range []string{"4", "8", "3", "9", "2", "0"} {
		loc, err := Indexed("id:digit-%d", i+1)
		require.NoError(t, err)
		require.NoError(t, page.WaitPresent(ctx, loc, 5*time.Second))
		require.NoError(t, page.Fill(ctx, loc, d))
	}
	require.NoError(t, page.Click(ctx, ID("ctl00_PageBody_OTP_Button1")))

	require.NoError(t, page.WaitURL(ctx, func(u string) bool {
		return strings.Contains(u, "/home")
	}, 10*time.Second))

	loc, err := page.Location(ctx)
	require.NoError(t, err)
	assert.Contains(t, loc, "code=483920")
}

func TestPage_TimeoutsAreBounded(t *testing.T) {
	page, ctx := launchTestPage(t)
	srv := newPortalServer(t)
	require.NoError(t, page.Navigate(ctx, srv.URL+"/"))

	t.Run("WaitPresent", func(t *testing.T) {
		start := time.Now()
		err := page.WaitPresent(ctx, ID("does-not-exist"), 300*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("WaitURL", func(t *testing.T) {
		start := time.Now()
		err := page.WaitURL(ctx, func(string) bool { return false }, 300*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("ClickMissingElement", func(t *testing.T) {
		page.timeouts.Element = 300 * time.Millisecond
		err := page.Click(ctx, ID("nope"))
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestPage_CallerCancellation(t *testing.T) {
	page, _ := launchTestPage(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := page.WaitURL(ctx, func(string) bool { return false }, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestPage_Scope(t *testing.T) {
	type ctxKey string
	const key ctxKey = "target"

	t.Run("carries tab values", func(t *testing.T) {
		p := &Page{ctx: context.WithValue(context.Background(), key, "tab-1")}
		scoped, cancel := p.scope(context.Background(), time.Minute)
		defer cancel()

		assert.Equal(t, "tab-1", scoped.Value(key))
		assert.NoError(t, scoped.Err())
	})

	t.Run("ends with the tab", func(t *testing.T) {
		tabCtx, closeTab := context.WithCancel(context.Background())
		p := &Page{ctx: tabCtx}
		scoped, cancel := p.scope(context.Background(), time.Minute)
		defer cancel()

		closeTab()
		assert.ErrorIs(t, scoped.Err(), context.Canceled)
	})

	t.Run("ends with the caller", func(t *testing.T) {
		p := &Page{ctx: context.Background()}
		ctx, cancelCaller := context.WithCancel(context.Background())
		scoped, cancel := p.scope(ctx, time.Minute)
		defer cancel()

		cancelCaller()
		assert.Eventually(t, func() bool {
			return errors.Is(scoped.Err(), context.Canceled)
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("deadline is reported as exceeded", func(t *testing.T) {
		p := &Page{ctx: context.Background()}
		scoped, cancel := p.scope(context.Background(), 10*time.Millisecond)
		defer cancel()

		select {
		case <-scoped.Done():
			assert.ErrorIs(t, scoped.Err(), context.DeadlineExceeded)
		case <-time.After(time.Second):
			t.Fatal("scoped context outlived its timeout")
		}
	})

	t.Run("release leaves the caller alone", func(t *testing.T) {
		p := &Page{ctx: context.Background()}
		ctx, cancelCaller := context.WithCancel(context.Background())
		defer cancelCaller()
		scoped, cancel := p.scope(ctx, time.Minute)

		cancel()
		assert.ErrorIs(t, scoped.Err(), context.Canceled)
		assert.NoError(t, ctx.Err())
	})
}
