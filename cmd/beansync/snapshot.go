package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/signadot/beansync/remoting"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func readInput(in io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(in)
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("could not open %q: %w", file, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func parseSnapshot(data []byte) (*remoting.Snapshot, error) {
	snap := &remoting.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("error decoding snapshot: %w", err)
	}
	return snap, nil
}

func readSnapshot(in io.Reader, file string) (*remoting.Snapshot, error) {
	data, err := readInput(in, file)
	if err != nil {
		return nil, err
	}
	snap, err := parseSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return snap, nil
}

// fetch gets endpoint, with clientId set when session is not empty.
func fetch(endpoint, session string) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if session != "" {
		q := u.Query()
		q.Set("clientId", session)
		u.RawQuery = q.Encode()
	}
	resp, err := httpClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s: %s", u, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func fetchSessions(endpoint string) ([]string, error) {
	data, err := fetch(endpoint, "")
	if err != nil {
		return nil, err
	}
	var res struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("error decoding session list: %w", err)
	}
	return res.Sessions, nil
}

func fetchSnapshot(endpoint, session string) (*remoting.Snapshot, error) {
	data, err := fetch(endpoint, session)
	if err != nil {
		return nil, err
	}
	return parseSnapshot(data)
}

// keyedSnapshot indexes a snapshot by id so that merge patches between two
// snapshots name beans and controllers instead of array positions.
type keyedSnapshot struct {
	Beans       map[string]remoting.BeanSnapshot       `json:"beans"`
	Controllers map[string]remoting.ControllerSnapshot `json:"controllers"`
}

func keyed(snap *remoting.Snapshot) *keyedSnapshot {
	k := &keyedSnapshot{
		Beans:       make(map[string]remoting.BeanSnapshot, len(snap.Beans)),
		Controllers: make(map[string]remoting.ControllerSnapshot, len(snap.Controllers)),
	}
	for _, b := range snap.Beans {
		k.Beans[b.ID] = b
	}
	for _, c := range snap.Controllers {
		k.Controllers[c.ID] = c
	}
	return k
}

func jsonIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
