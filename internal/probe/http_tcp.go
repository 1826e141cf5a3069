package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTP considers the process ready when a GET to URL answers with a 2xx.
type HTTP struct {
	URL     string
	Timeout time.Duration
}

func (p HTTP) Check(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

func (p HTTP) Describe() string { return "http:" + p.URL }

// TCP considers the process ready when Addr accepts a connection.
type TCP struct {
	Addr    string
	Timeout time.Duration
}

func (p TCP) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p TCP) Describe() string { return "tcp:" + p.Addr }
