package supervisor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var methodRx = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)

// fakeSupervisord answers XML-RPC calls with canned bodies keyed by method.
type fakeSupervisord struct {
	mu        sync.Mutex
	responses map[string]string
	seen      []string
	bodies    map[string]string
}

func newFake(t *testing.T, responses map[string]string) (*fakeSupervisord, *Client) {
	t.Helper()
	f := &fakeSupervisord{responses: responses, bodies: make(map[string]string)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/RPC2", WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return f, c
}

func (f *fakeSupervisord) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m := methodRx.FindStringSubmatch(string(body))
	if m == nil {
		http.Error(w, "no method", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.seen = append(f.seen, m[1])
	f.bodies[m[1]] = string(body)
	resp, ok := f.responses[m[1]]
	f.mu.Unlock()
	if !ok {
		resp = fault(FaultUnknownMethod, "UNKNOWN_METHOD")
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, resp)
}

func (f *fakeSupervisord) body(method string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[method]
}

func (f *fakeSupervisord) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func response(value string) string {
	return `<?xml version="1.0"?><methodResponse><params><param><value>` + value +
		`</value></param></params></methodResponse>`
}

func fault(code int, msg string) string {
	return `<?xml version="1.0"?><methodResponse><fault><value><struct>` +
		`<member><name>faultCode</name><value><int>` + strconv.Itoa(code) + `</int></value></member>` +
		`<member><name>faultString</name><value><string>` + msg + `</string></value></member>` +
		`</struct></value></fault></methodResponse>`
}

func TestListMethods(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"system.listMethods": response(`<array><data>` +
			`<value><string>supervisor.getAllProcessInfo</string></value>` +
			`<value><string>twiddler.getAPIVersion</string></value>` +
			`</data></array>`),
	})
	methods, err := c.ListMethods(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"supervisor.getAllProcessInfo", TwiddlerVersionMethod}, methods)
	assert.Equal(t, []string{"system.listMethods"}, f.called())
}

func TestAddProgramToGroupSendsConfig(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"twiddler.addProgramToGroup": response(`<boolean>1</boolean>`),
	})
	err := c.AddProgramToGroup(context.Background(), "dynamic", "t-0000000001", map[string]any{
		"command":   "ls",
		"startsecs": int32(0),
	})
	require.NoError(t, err)

	body := f.body("twiddler.addProgramToGroup")
	assert.Contains(t, body, "<string>dynamic</string>")
	assert.Contains(t, body, "<string>t-0000000001</string>")
	assert.Contains(t, body, "<name>command</name>")
	assert.Contains(t, body, "<string>ls</string>")
	assert.Contains(t, body, "<name>startsecs</name>")
	assert.Contains(t, body, "<int>0</int>")
	assert.NotContains(t, body, "<name>directory</name>")
}

func TestFaultsAreTyped(t *testing.T) {
	_, c := newFake(t, map[string]string{
		"twiddler.addProgramToGroup":  fault(FaultAlreadyAdded, "ALREADY_ADDED: t-1"),
		"supervisor.stopProcessGroup": fault(FaultBadName, "BAD_NAME: dynamic"),
	})

	err := c.AddProgramToGroup(context.Background(), "dynamic", "t-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEndpoint)
	assert.True(t, IsFault(err, FaultAlreadyAdded))
	assert.False(t, IsFault(err, FaultBadName))

	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "ALREADY_ADDED: t-1", f.String)

	err = c.StopProcessGroup(context.Background(), "dynamic")
	assert.True(t, IsFault(err, FaultNotRunning, FaultBadName))
}

func TestAllProcessInfo(t *testing.T) {
	_, c := newFake(t, map[string]string{
		"supervisor.getAllProcessInfo": response(`<array><data><value><struct>` +
			`<member><name>name</name><value><string>t-0000000001</string></value></member>` +
			`<member><name>group</name><value><string>dynamic</string></value></member>` +
			`<member><name>state</name><value><int>20</int></value></member>` +
			`<member><name>statename</name><value><string>RUNNING</string></value></member>` +
			`<member><name>pid</name><value><int>4242</int></value></member>` +
			`</struct></value></data></array>`),
	})
	infos, err := c.AllProcessInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "dynamic:t-0000000001", infos[0].FullName())
	assert.Equal(t, "RUNNING", infos[0].StateName)
	assert.Equal(t, 4242, infos[0].PID)
}

func TestProcessInfo(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"supervisor.getProcessInfo": response(`<struct>` +
			`<member><name>name</name><value><string>t-0000000001</string></value></member>` +
			`<member><name>group</name><value><string>dynamic</string></value></member>` +
			`<member><name>statename</name><value><string>EXITED</string></value></member>` +
			`<member><name>exitstatus</name><value><int>2</int></value></member>` +
			`</struct>`),
	})
	info, err := c.ProcessInfo(context.Background(), "dynamic:t-0000000001")
	require.NoError(t, err)
	assert.Equal(t, "EXITED", info.StateName)
	assert.Equal(t, 2, info.ExitStatus)
	assert.Contains(t, f.body("supervisor.getProcessInfo"), "<string>dynamic:t-0000000001</string>")
}

func TestStopProcessWaits(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"supervisor.stopProcess": response(`<boolean>1</boolean>`),
	})
	require.NoError(t, c.StopProcess(context.Background(), "dynamic:t-1"))
	body := f.body("supervisor.stopProcess")
	assert.Contains(t, body, "<string>dynamic:t-1</string>")
	assert.Contains(t, body, "<boolean>1</boolean>")
}

func TestReadProcessStderrLog(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"supervisor.readProcessStderrLog": response(`<string>ls: cannot access</string>`),
	})
	out, err := c.ReadProcessStderrLog(context.Background(), "dynamic:t-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ls: cannot access", out)
	assert.Contains(t, f.body("supervisor.readProcessStderrLog"), "<string>dynamic:t-1</string>")
}

func TestUnknownMethod(t *testing.T) {
	_, c := newFake(t, nil)
	err := c.RemoveProcessFromGroup(context.Background(), "dynamic", "t-1")
	assert.True(t, IsFault(err, FaultUnknownMethod))
}

func TestHTTPErrorIsEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, err := New(srv.URL)
	require.NoError(t, err)

	err = c.AddProcessGroup(context.Background(), "dynamic")
	assert.ErrorIs(t, err, ErrEndpoint)
	assert.False(t, IsFault(err, FaultBadName))
}

func TestCallHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.ListMethods(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrEndpoint)
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, u := range []string{"ftp://host/RPC2", "unix://", "://bad"} {
		_, err := New(u)
		assert.Error(t, err, u)
	}
	_, err := New("unix:///var/run/supervisor.sock")
	assert.NoError(t, err)
}
