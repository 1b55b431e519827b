package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePortal serves the handful of sharing API endpoints the client uses
type fakePortal struct {
	server      *httptest.Server
	tokenCalls  int32
	users       map[string]User
	groups      []Group
	added       map[string][]string
	rejectToken bool
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	p := &fakePortal{
		users: map[string]User{
			"jdoe_usda": {Username: "jdoe_usda", Email: "jane.doe@usda.gov"},
			"bob_epa":   {Username: "bob_epa", Email: "bob@epa.gov"},
		},
		added: map[string][]string{},
	}
	for i := 0; i < 150; i++ {
		p.groups = append(p.groups, Group{ID: "g" + strconv.Itoa(i), Title: "Group " + strconv.Itoa(i)})
	}
	p.groups = append(p.groups, Group{ID: "usda-id", Title: "USDA"})

	mux := http.NewServeMux()
	mux.HandleFunc("/portal/sharing/rest/generateToken", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.tokenCalls, 1)
		_ = r.ParseForm()
		if p.rejectToken || r.PostForm.Get("username") != "app" {
			writeJSON(w, map[string]interface{}{"error": map[string]interface{}{
				"code": 400, "message": "Unable to generate token.", "details": []string{"Invalid username or password."},
			}})
			return
		}
		writeJSON(w, map[string]interface{}{
			"token":   "tok-" + strconv.Itoa(int(atomic.LoadInt32(&p.tokenCalls))),
			"expires": time.Now().Add(time.Hour).UnixMilli(),
		})
	})
	mux.HandleFunc("/portal/sharing/rest/community/users/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/portal/sharing/rest/community/users/")
		u, ok := p.users[name]
		if !ok {
			writeJSON(w, map[string]interface{}{"error": map[string]interface{}{"code": 400, "message": "User not found"}})
			return
		}
		writeJSON(w, u)
	})
	mux.HandleFunc("/portal/sharing/rest/community/users", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		var results []User
		for _, u := range p.users {
			switch {
			case strings.HasPrefix(q, "email:") && u.Email == strings.TrimPrefix(q, "email:"):
				results = append(results, u)
			case strings.HasPrefix(q, "username:") && strings.HasPrefix(u.Username, strings.TrimSuffix(strings.TrimPrefix(q, "username:"), "*")):
				results = append(results, u)
			}
		}
		writeJSON(w, map[string]interface{}{"results": results})
	})
	mux.HandleFunc("/portal/sharing/rest/community/groups", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.HasPrefix(q, "title:") {
			want := strings.TrimPrefix(q, "title:")
			var results []Group
			for _, g := range p.groups {
				if strings.EqualFold(g.Title, want) {
					results = append(results, g)
				}
			}
			writeJSON(w, map[string]interface{}{"results": results})
			return
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		num, _ := strconv.Atoi(r.URL.Query().Get("num"))
		from := start - 1
		to := from + num
		next := to + 1
		if to >= len(p.groups) {
			to = len(p.groups)
			next = -1
		}
		writeJSON(w, map[string]interface{}{"results": p.groups[from:to], "nextStart": next})
	})
	mux.HandleFunc("/portal/sharing/rest/community/groups/", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/portal/sharing/rest/community/groups/"), "/addUsers")
		user := r.PostForm.Get("users")
		if user == "blocked" {
			writeJSON(w, map[string]interface{}{"notAdded": []string{user}})
			return
		}
		p.added[id] = append(p.added[id], user)
		writeJSON(w, map[string]interface{}{"notAdded": []string{}})
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, p *fakePortal) *Client {
	t.Helper()
	c, err := NewClient(Options{
		PortalURL: p.server.URL + "/portal/home/",
		Username:  "app",
		Password:  "secret",
		Timeout:   2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestAPIBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://maps.example.gov/portal/home/", "https://maps.example.gov/portal/"},
		{"https://maps.example.gov/portal/home", "https://maps.example.gov/portal/"},
		{"https://maps.example.gov/portal", "https://maps.example.gov/portal/"},
		{"https://maps.example.gov/hometown/home/", "https://maps.example.gov/hometown/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := APIBaseURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := APIBaseURL("not a url")
	assert.Error(t, err)
}

func TestClient_TokenIsCached(t *testing.T) {
	p := newFakePortal(t)
	c := newTestClient(t, p)

	_, err := c.GetUser(context.Background(), "jdoe_usda")
	require.NoError(t, err)
	_, err = c.GetUser(context.Background(), "bob_epa")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.tokenCalls))
}

func TestClient_TokenError(t *testing.T) {
	p := newFakePortal(t)
	p.rejectToken = true
	c := newTestClient(t, p)

	_, err := c.GetUser(context.Background(), "jdoe_usda")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
	assert.Contains(t, err.Error(), "Invalid username or password.")
}

func TestClient_GetUser(t *testing.T) {
	p := newFakePortal(t)
	c := newTestClient(t, p)

	u, err := c.GetUser(context.Background(), "jdoe_usda")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@usda.gov", u.Email)

	_, err = c.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_FindUserByEmail(t *testing.T) {
	p := newFakePortal(t)
	c := newTestClient(t, p)

	u, err := c.FindUserByEmail(context.Background(), "bob@epa.gov")
	require.NoError(t, err)
	assert.Equal(t, "bob_epa", u.Username)

	// no email match, found by username prefix
	u, err = c.FindUserByEmail(context.Background(), "jdoe@other.gov")
	require.NoError(t, err)
	assert.Equal(t, "jdoe_usda", u.Username)

	_, err = c.FindUserByEmail(context.Background(), "nobody@nowhere.gov")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_FindGroupByTitle(t *testing.T) {
	p := newFakePortal(t)
	c := newTestClient(t, p)

	g, err := c.FindGroupByTitle(context.Background(), "usda")
	require.NoError(t, err)
	assert.Equal(t, "usda-id", g.ID)

	_, err = c.FindGroupByTitle(context.Background(), "Census")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_AddUserToGroup(t *testing.T) {
	p := newFakePortal(t)
	c := newTestClient(t, p)

	require.NoError(t, c.AddUserToGroup(context.Background(), "usda-id", "jdoe_usda"))
	assert.Equal(t, []string{"jdoe_usda"}, p.added["usda-id"])

	err := c.AddUserToGroup(context.Background(), "usda-id", "blocked")
	assert.Error(t, err)
}

func TestClient_ListGroupTitles(t *testing.T) {
	p := newFakePortal(t)
	c := newTestClient(t, p)

	titles, err := c.ListGroupTitles(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, titles, 151)
	assert.Equal(t, "Group 0", titles[0])
	assert.Equal(t, "USDA", titles[150])
}
