// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/ministack/internal/synth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Temporary folder inside the working directory, as sandboxed requests need relative paths
func relTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp(".", "resttest")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Base(dir)
}

func request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	NewRouter().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	w := request(t, http.MethodGet, "/api/v1/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestPlan(t *testing.T) {
	dir := relTempDir(t)
	o := synth.NewOptionsDefault()
	o.NumAcquisitions, o.Rows, o.Cols = 7, 4, 4
	_, _, err := synth.Generate(filepath.Join(dir, "slc"), o)
	require.NoError(t, err)

	body := `{"filePatterns": ["` + dir + `/slc/*.fits"], "plan": {"ministackSize": 3, "outputFolder": "` + dir + `/out"}}`
	w := request(t, http.MethodPost, "/api/v1/plan", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Ministacks []struct {
			FileList     []string `json:"fileList"`
			IsCompressed []bool   `json:"isCompressed"`
		} `json:"ministacks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Ministacks, 3)
	require.Equal(t, []bool{true, false, false, false}, res.Ministacks[1].IsCompressed)

	w = request(t, http.MethodPost, "/api/v1/plan", `{"filePatterns": ["/etc/*"]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = request(t, http.MethodPost, "/api/v1/plan", `{"filePatterns": `)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRun(t *testing.T) {
	dir := relTempDir(t)
	body := `{"steps": [
		{"type": "simulate", "folder": "` + dir + `/slc", "numAcquisitions": 5, "rows": 8, "cols": 8},
		{"type": "plan", "ministackSize": 3, "outputFolder": "` + dir + `/out"}
	]}`
	w := request(t, http.MethodPost, "/api/v1/run", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Ministack 1: 2 real + 1 compressed")
	require.True(t, strings.HasSuffix(w.Body.String(), "Done.\n"), w.Body.String())

	w = request(t, http.MethodPost, "/api/v1/run", `{"steps": [{"type": "simulate", "folder": "/tmp/escape"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Error: step 0 (simulate)")

	w = request(t, http.MethodPost, "/api/v1/run", `{"steps": [{"type": "nope"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
