package httpapi

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	require.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc123")
	require.Equal(t, "abc123", bearerToken(r))

	r.Header.Set("Authorization", "bearer abc123")
	require.Equal(t, "abc123", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc123")
	require.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer")
	require.Empty(t, bearerToken(r))
}

func TestRequestSchemeAndHost(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/", nil)
	require.Equal(t, "http", requestScheme(r))
	require.Equal(t, "example.com", requestHost(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "public.example.com, internal")
	require.Equal(t, "https", requestScheme(r))
	require.Equal(t, "public.example.com", requestHost(r))
}

func TestOAuthRedirectURL(t *testing.T) {
	s := server{publicBaseURL: "https://teach.example.com"}
	r := httptest.NewRequest("GET", "http://internal:8080/v1/auth/github/start", nil)

	uri, secure := s.oauthRedirectURL(r)
	require.Equal(t, "https://teach.example.com/v1/auth/github/callback", uri)
	require.True(t, secure)

	s = server{}
	uri, secure = s.oauthRedirectURL(r)
	require.Equal(t, "http://internal:8080/v1/auth/github/callback", uri)
	require.False(t, secure)
}

func TestSubtleConstantTimeEquals(t *testing.T) {
	require.True(t, subtleConstantTimeEquals("abc", "abc"))
	require.False(t, subtleConstantTimeEquals("abc", "abd"))
	require.False(t, subtleConstantTimeEquals("abc", "abcd"))
	require.True(t, subtleConstantTimeEquals("", ""))
}

func TestClampInt(t *testing.T) {
	require.Equal(t, 1, clampInt(0, 1, 200))
	require.Equal(t, 200, clampInt(999, 1, 200))
	require.Equal(t, 50, clampInt(50, 1, 200))
}

func TestBrokerFanOut(t *testing.T) {
	b := newBroker()
	wfID := uuid.New()

	a := b.subscribe(wfID)
	c := b.subscribe(wfID)
	other := b.subscribe(uuid.New())

	b.publish(wfID, canvasEvent{Type: "node_added"})

	select {
	case ev := <-a:
		require.Equal(t, "node_added", ev.Type)
	default:
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case ev := <-c:
		require.Equal(t, "node_added", ev.Type)
	default:
		t.Fatal("subscriber c did not receive event")
	}
	select {
	case <-other:
		t.Fatal("unrelated subscriber received event")
	default:
	}

	b.unsubscribe(wfID, a)
	// Channel is closed on unsubscribe.
	_, open := <-a
	require.False(t, open)

	// Publishing after unsubscribe still reaches the remaining subscriber.
	b.publish(wfID, canvasEvent{Type: "edge_created"})
	select {
	case ev := <-c:
		require.Equal(t, "edge_created", ev.Type)
	default:
		t.Fatal("subscriber c did not receive second event")
	}
}

func TestBrokerDropsForSlowConsumers(t *testing.T) {
	b := newBroker()
	wfID := uuid.New()
	ch := b.subscribe(wfID)

	// Fill the buffer past capacity; publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.publish(wfID, canvasEvent{Type: "spam"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	require.LessOrEqual(t, len(ch), 64)
}

func TestIPRateLimiter(t *testing.T) {
	l := newIPRateLimiter(3, time.Minute)
	require.True(t, l.allow("1.2.3.4"))
	require.True(t, l.allow("1.2.3.4"))
	require.True(t, l.allow("1.2.3.4"))
	require.False(t, l.allow("1.2.3.4"))
	// Other IPs are unaffected.
	require.True(t, l.allow("5.6.7.8"))
}

func TestNormalizeSelectedTools(t *testing.T) {
	tools, ok := normalizeSelectedTools([]string{"calculator", "web_search", "calculator"})
	require.True(t, ok)
	require.Equal(t, []string{"calculator", "web_search"}, tools)

	_, ok = normalizeSelectedTools([]string{"not_a_tool"})
	require.False(t, ok)

	tools, ok = normalizeSelectedTools(nil)
	require.True(t, ok)
	require.Empty(t, tools)
}
