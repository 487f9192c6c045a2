package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/flsim/internal/fl"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON fetches url and decodes the JSON body into out. Any status code
// of 300 or above is an error.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Snapshot is everything the status API reports at one point in time.
type Snapshot struct {
	Health  Health
	Rounds  []fl.RoundReport
	Model   ModelResponse
	Clients []ClientInfo
}

// Fetch queries every endpoint of the status API at base, e.g.
// "http://127.0.0.1:8090".
func Fetch(ctx context.Context, base string) (Snapshot, error) {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	var snap Snapshot
	if err := GetJSON(ctx, base+"/health", &snap.Health); err != nil {
		return snap, err
	}
	var rounds RoundsResponse
	if err := GetJSON(ctx, base+"/rounds", &rounds); err != nil {
		return snap, err
	}
	snap.Rounds = rounds.Rounds
	if err := GetJSON(ctx, base+"/model", &snap.Model); err != nil {
		return snap, err
	}
	var clients ClientsResponse
	if err := GetJSON(ctx, base+"/clients", &clients); err != nil {
		return snap, err
	}
	snap.Clients = clients.Clients
	return snap, nil
}
