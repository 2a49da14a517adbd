package vk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu             sync.Mutex
	primaryCalls   int
	secondaryCalls int
	secondaryErr   error
}

func (f *fakeProvider) ObtainPrimary(_ context.Context, login, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primaryCalls++
	return "primary-" + login, nil
}

func (f *fakeProvider) ObtainSecondary(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.secondaryErr != nil {
		return "", f.secondaryErr
	}
	f.secondaryCalls++
	return fmt.Sprintf("secondary-%d", f.secondaryCalls), nil
}

func (f *fakeProvider) PrimaryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primaryCalls
}

func (f *fakeProvider) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secondaryCalls
}

// apiServer records every request and answers with the body returned by respond
type apiServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Method string
	Form   url.Values
}

func newAPIServer(t *testing.T, respond func(n int, method string, form url.Values) (int, string)) *apiServer {
	t.Helper()
	s := &apiServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.NoError(t, r.ParseForm())
		method := strings.TrimPrefix(r.URL.Path, "/method/")

		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{Method: method, Form: r.Form})
		n := len(s.requests)
		s.mu.Unlock()

		status, body := respond(n, method, r.Form)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]recordedRequest, len(s.requests))
	copy(cp, s.requests)
	return cp
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL + "/method/",
		Version:         "5.109",
		ErrorBackoff:    time.Millisecond,
		MaxAuthRetries:  3,
		MaxErrorRetries: 2,
	}
}

func newTestClient(t *testing.T, srv *apiServer, provider *fakeProvider) *Client {
	t.Helper()
	c := NewClient(testConfig(srv.URL), srv.Client(), provider, Credentials{Login: "alice", Secret: "pw"}, nil)
	require.NoError(t, c.Authenticate(context.Background()))
	return c
}

func TestCall_MergesVersionAndToken(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"response":{"ok":1}}`
	})
	provider := &fakeProvider{}
	c := newTestClient(t, srv, provider)

	resp, err := c.Call(context.Background(), Request{Method: "test.method", Params: map[string]string{"a": "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(resp.Response))

	_, err = c.Call(context.Background(), Request{Method: "test.secondary", Secondary: true})
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "test.method", reqs[0].Method)
	assert.Equal(t, "b", reqs[0].Form.Get("a"))
	assert.Equal(t, "5.109", reqs[0].Form.Get("v"))
	assert.Equal(t, "primary-alice", reqs[0].Form.Get("access_token"))
	assert.Equal(t, "secondary-1", reqs[1].Form.Get("access_token"))
}

func TestCall_CredentialExpiredIsBounded(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"error":{"error_code":5,"error_msg":"User authorization failed"}}`
	})
	provider := &fakeProvider{}
	c := newTestClient(t, srv, provider)

	_, err := c.Call(context.Background(), Request{Method: MethodGetExpertCard, Secondary: true})

	var expired *CredentialExpiredError
	require.True(t, errors.As(err, &expired), "got %v", err)
	assert.Equal(t, 3, expired.Attempts)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))

	// one initial send plus one resend per refresh
	assert.Len(t, srv.Requests(), 4)
	// one refresh from Authenticate plus three from the retry loop
	assert.Equal(t, 4, provider.Refreshes())
}

func TestCall_CredentialExpiredUsesFreshToken(t *testing.T) {
	srv := newAPIServer(t, func(n int, _ string, _ url.Values) (int, string) {
		if n == 1 {
			return http.StatusOK, `{"error":{"error_code":5,"error_msg":"expired"}}`
		}
		return http.StatusOK, `{"response":1}`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	_, err := c.Call(context.Background(), Request{
		Method:    MethodSetPostVote,
		Params:    map[string]string{"post_id": "7"},
		Secondary: true,
	})
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "secondary-1", reqs[0].Form.Get("access_token"))
	assert.Equal(t, "secondary-2", reqs[1].Form.Get("access_token"))
	assert.Equal(t, reqs[0].Form.Get("post_id"), reqs[1].Form.Get("post_id"))
}

func TestCall_CredentialExpiredOnAccessTokenReauthenticates(t *testing.T) {
	srv := newAPIServer(t, func(n int, _ string, _ url.Values) (int, string) {
		if n == 1 {
			return http.StatusOK, `{"error":{"error_code":5,"error_msg":"expired"}}`
		}
		return http.StatusOK, `{"response":{"items":[]}}`
	})
	provider := &fakeProvider{}
	c := newTestClient(t, srv, provider)
	require.Equal(t, 1, provider.PrimaryCalls())

	_, err := c.Call(context.Background(), Request{Method: MethodGetFeed})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.PrimaryCalls())
	assert.Equal(t, 2, provider.Refreshes())
	assert.Len(t, srv.Requests(), 2)
}

func TestCall_RefreshFailureSurfaces(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"error":{"error_code":5,"error_msg":"expired"}}`
	})
	provider := &fakeProvider{}
	c := newTestClient(t, srv, provider)

	provider.secondaryErr = &ProtocolError{Op: "oauth authorize", Detail: "access_token missing from redirect"}
	_, err := c.Call(context.Background(), Request{Method: MethodGetExpertCard, Secondary: true})

	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
	assert.Len(t, srv.Requests(), 1)
}

func TestCall_ApplicationErrorRetriesThenSucceeds(t *testing.T) {
	srv := newAPIServer(t, func(n int, _ string, _ url.Values) (int, string) {
		if n < 3 {
			return http.StatusOK, `{"error":{"error_code":6,"error_msg":"Too many requests per second"}}`
		}
		return http.StatusOK, `{"response":{"items":[]}}`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	resp, err := c.Call(context.Background(), Request{Method: MethodGetFeed})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Len(t, srv.Requests(), 3)
}

func TestCall_ApplicationErrorIsBounded(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"error":{"error_code":10,"error_msg":"Internal server error"}}`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	_, err := c.Call(context.Background(), Request{Method: MethodGetFeed})

	var appErr *ApplicationError
	require.True(t, errors.As(err, &appErr), "got %v", err)
	assert.Equal(t, 10, appErr.Err.Code)
	assert.Equal(t, "[10] Internal server error", appErr.Err.String())
	assert.True(t, IsTransient(err))
	assert.Len(t, srv.Requests(), 3)
}

func TestCall_ContextCancelledDuringBackoff(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"error":{"error_code":10,"error_msg":"Internal server error"}}`
	})
	cfg := testConfig(srv.URL)
	cfg.ErrorBackoff = time.Hour
	c := NewClient(cfg, srv.Client(), &fakeProvider{}, Credentials{Login: "alice"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, Request{Method: MethodGetFeed})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_HTTPFailureIsNetworkError(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusBadGateway, `bad gateway`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	_, err := c.Call(context.Background(), Request{Method: MethodGetFeed})
	var netErr *NetworkError
	assert.True(t, errors.As(err, &netErr))
	assert.True(t, IsTransient(err))

	srv.Close()
	_, err = c.Call(context.Background(), Request{Method: MethodGetFeed})
	require.True(t, errors.As(err, &netErr))
	assert.True(t, IsTransient(err))
	assert.NotContains(t, err.Error(), "primary-alice")
	assert.NotContains(t, err.Error(), "access_token")
}

func TestCall_InvalidJSONIsProtocolError(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `<html>maintenance</html>`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	_, err := c.Call(context.Background(), Request{Method: MethodGetFeed})
	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
	assert.True(t, IsFatal(err))
}

func TestFetchFeedPage(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"response":{
			"items":[
				{"source_id":-42,"post_id":7,"track_code":"tc1","rating":{"rated":0,"value":25}},
				{"source_id":"13","post_id":"8","track_code":"tc2","rating":{"rated":true,"value":"-3"}}
			],
			"next_from":"5/abc"}}`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	page, err := c.FetchFeedPage(context.Background(), 7, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, Cursor("5/abc"), page.NextFrom)

	first := page.Items[0]
	assert.Equal(t, "tc1", first.TrackCode)
	assert.Equal(t, Int(-42), first.SourceID)
	assert.Equal(t, Int(7), first.PostID)
	assert.False(t, bool(first.Rating.Rated))
	assert.Equal(t, Int(25), first.Rating.Value)

	second := page.Items[1]
	assert.True(t, bool(second.Rating.Rated))
	assert.Equal(t, Int(-3), second.Rating.Value)

	form := srv.Requests()[0].Form
	assert.Equal(t, MethodGetFeed, srv.Requests()[0].Method)
	assert.Equal(t, "50", form.Get("count"))
	assert.Equal(t, "0", form.Get("start_from"))
	assert.Equal(t, "1", form.Get("extended"))
	assert.Equal(t, "discover_category_full/7", form.Get("feed_id"))
	assert.Equal(t, "primary-alice", form.Get("access_token"))
}

func TestFetchFeedPage_EndOfFeed(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"response":{"items":[],"next_from":null}}`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	page, err := c.FetchFeedPage(context.Background(), 21, "5/abc")
	require.NoError(t, err)
	assert.Empty(t, page.NextFrom)
	assert.Equal(t, "5/abc", srv.Requests()[0].Form.Get("start_from"))
}

func TestSetPostVote(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"response":1}`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	require.NoError(t, c.SetPostVote(context.Background(), -42, 7, "+1"))

	req := srv.Requests()[0]
	assert.Equal(t, MethodSetPostVote, req.Method)
	assert.Equal(t, "+1", req.Form.Get("new_vote"))
	assert.Equal(t, "7", req.Form.Get("post_id"))
	assert.Equal(t, "-42", req.Form.Get("owner_id"))
	assert.Equal(t, "secondary-1", req.Form.Get("access_token"))
}

func TestGetExpertCard(t *testing.T) {
	srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
		return http.StatusOK, `{"response":{"first_name":"Ivan","last_name":"Petrov","points":1234}}`
	})
	c := newTestClient(t, srv, &fakeProvider{})

	card, err := c.GetExpertCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ivan Petrov", card.DisplayName())
	assert.Equal(t, Int(1234), card.Points)
}

func TestGetExpertCard_NotEligible(t *testing.T) {
	for _, body := range []string{`{"response":0}`, `{"response":null}`, `{}`} {
		srv := newAPIServer(t, func(int, string, url.Values) (int, string) {
			return http.StatusOK, body
		})
		c := newTestClient(t, srv, &fakeProvider{})

		_, err := c.GetExpertCard(context.Background())
		var notEligible *NotEligibleError
		require.True(t, errors.As(err, &notEligible), "body %s: got %v", body, err)
		assert.Equal(t, "alice", notEligible.Login)
	}
}
