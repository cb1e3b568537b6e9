package testutil

import (
	"net/http"
	"net/url"
	"testing"
)

func echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"command":"` + r.FormValue("command") + `"}`))
			return
		}
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestDo(t *testing.T) {
	w := Do(t, echo(), http.MethodGet, "/x", nil)
	AssertStatusCode(t, w.Code, http.StatusTeapot)
}

func TestPostFormAndDecode(t *testing.T) {
	w := PostForm(t, echo(), "/x", url.Values{"command": {"beep"}})
	AssertStatusCode(t, w.Code, http.StatusOK)
	var got struct{ Command string }
	DecodeJSON(t, w, &got)
	if got.Command != "beep" {
		t.Errorf("command = %q, want beep", got.Command)
	}
}
