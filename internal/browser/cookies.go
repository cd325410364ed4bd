package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// PersistSession writes the browser cookie jar to the configured session
// file. One process, one live session: the file is a single fixed slot.
func (s *Session) PersistSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	return s.persistSession(ctx)
}

// persistSession requires s.mu.
func (s *Session) persistSession(ctx context.Context) error {
	if s.cfg.SessionPath == "" {
		return nil
	}
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(cdpCtx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(cdpCtx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SessionPath), 0o750); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(s.cfg.SessionPath, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	s.logger.Debug("session persisted",
		zap.Int("cookies", len(cookies)),
		zap.String("path", s.cfg.SessionPath),
	)
	return nil
}

// restoreSession loads the persisted cookie jar into the live browser.
// A missing file is not an error; any other failure is surfaced to the
// caller, which treats it as non-fatal. Requires s.mu.
func (s *Session) restoreSession(ctx context.Context) error {
	if s.cfg.SessionPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.cfg.SessionPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read session file: %w", err)
	}
	var cookies []*network.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return fmt.Errorf("decode session file: %w", err)
	}
	if len(cookies) == 0 {
		return nil
	}
	params := cookieParams(cookies)
	if err := s.run(ctx, chromedp.ActionFunc(func(cdpCtx context.Context) error {
		return storage.SetCookies(params).Do(cdpCtx)
	})); err != nil {
		return fmt.Errorf("restore cookies: %w", err)
	}
	s.logger.Info("session restored", zap.Int("cookies", len(cookies)))
	return nil
}

func cookieParams(cookies []*network.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &expires
		}
		params = append(params, p)
	}
	return params
}
