// Package consent talks to the national privacy-consent registry: it pages
// through the active reservations for one definition and writes single
// reservation changes.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/httpclient"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
)

type ClientConfig struct {
	BaseURL        string
	DefinitionGUID string
	DefinitionName string
	PartCode       string
	PageDelay      time.Duration
}

type Client struct {
	cfg  ClientConfig
	http *resty.Client
}

// NewClient expects httpClient to carry authentication (see auth.Transport).
func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	client := resty.NewWithClient(httpClient).
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")

	return &Client{cfg: cfg, http: client}
}

// FetchActiveReservations calls handle once per page until the registry
// returns pagingReference 0. Pages handed to handle before a failure stay
// valid; the returned error says why the feed is incomplete.
func (c *Client) FetchActiveReservations(ctx context.Context, definitionGUID, partCode string, handle func(page []ActiveReservation) error) error {
	var reference int64
	seen := map[int64]struct{}{}
	pageNo := 0

	for {
		pageNo++
		page, err := c.fetchPage(ctx, definitionGUID, partCode, reference)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", pageNo, err)
		}

		entries := make([]ActiveReservation, 0, len(page.Settings))
		for _, s := range page.Settings {
			if s.NationalID == "" {
				continue
			}
			entries = append(entries, ActiveReservation{
				NationalID:     s.NationalID,
				IsReserved:     true,
				EventTime:      s.LastChangedAt.Time,
				CreatedAt:      s.CreatedAt.Time,
				SequenceNumber: s.SequenceNumber,
			})
		}
		if err := handle(entries); err != nil {
			return err
		}

		logger.Log.WithFields(logrus.Fields{
			"page":    pageNo,
			"entries": len(entries),
		}).Debug("Fetched active reservations page")

		next := *page.PagingReference
		if next == 0 {
			return nil
		}
		if _, dup := seen[next]; dup {
			return syncerr.Newf(syncerr.CategoryParse, "consent.fetch", "paging reference %d repeated", next)
		}
		seen[next] = struct{}{}
		reference = next

		if c.cfg.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PageDelay):
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, definitionGUID, partCode string, reference int64) (*activeReservationsPage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"definisjonGuid":  definitionGUID,
			"partKode":        partCode,
			"pagingReference": strconv.FormatInt(reference, 10),
		}).
		Get(activeReservationsPath)
	if err != nil {
		return nil, transportError("consent.fetch", err)
	}
	if err := statusError("consent.fetch", resp); err != nil {
		return nil, err
	}

	var page activeReservationsPage
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, syncerr.New(syncerr.CategoryParse, "consent.fetch", err)
	}
	if page.PagingReference == nil {
		return nil, syncerr.Newf(syncerr.CategoryParse, "consent.fetch", "response has no pagingReference")
	}
	return &page, nil
}

// SetReservation writes one reservation change. Registry-level rejections
// (unknown citizen, bad definition) come back in the result, not as an error.
func (c *Client) SetReservation(ctx context.Context, req SetReservationRequest) (SetReservationResult, error) {
	payload := setReservationPayload{
		NationalID:     req.NationalID,
		DefinitionGUID: c.cfg.DefinitionGUID,
		DefinitionName: c.cfg.DefinitionName,
		PartCode:       c.cfg.PartCode,
		Type:           typeReservation,
		Active:         req.Active,
		Timestamp:      req.Timestamp.UTC().Format(time.RFC3339),
	}
	if req.ProofPath != "" {
		mime, content, err := LoadProofDocument(req.ProofPath)
		if err != nil {
			return SetReservationResult{}, err
		}
		payload.ProofMimeType = mime
		payload.ProofContent = content
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(setReservationPath)
	if err != nil {
		return SetReservationResult{}, transportError("consent.set", err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return SetReservationResult{}, statusError("consent.set", resp)
	case status >= http.StatusBadRequest:
		var body errorResponse
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return SetReservationResult{Success: false, ErrorMessage: http.StatusText(status)}, nil
		}
		logger.Log.WithFields(logrus.Fields{
			"code":     body.Code,
			"category": body.ErrorCategory,
		}).Warn("Consent registry rejected reservation change")
		return SetReservationResult{Success: false, ErrorCode: body.Code, ErrorMessage: body.Message}, nil
	}

	var body setReservationResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return SetReservationResult{}, syncerr.New(syncerr.CategoryParse, "consent.set", err)
	}
	result := SetReservationResult{
		Success: body.ReturnCode == "ok",
		Changed: body.InstanceChanged == "endret",
	}
	if !result.Changed {
		logger.Log.Info("Consent registry reports no change for reservation")
	}
	return result, nil
}

func transportError(op string, err error) error {
	var typed *syncerr.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if !httpclient.IsTransient(err) {
		logger.Log.WithError(err).WithField("op", op).Warn("Non-network transport failure treated as transient")
	}
	return syncerr.New(syncerr.CategoryTransientNetwork, op, err)
}

func statusError(op string, resp *resty.Response) error {
	status := resp.StatusCode()
	if status < http.StatusBadRequest {
		return nil
	}

	var body errorResponse
	_ = json.Unmarshal(resp.Body(), &body)
	cause := fmt.Errorf("registry returned %d", status)

	var category syncerr.Category
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		category = syncerr.CategoryAuthentication
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		category = syncerr.CategoryTransientNetwork
	default:
		category = syncerr.CategoryRejected
	}
	e := syncerr.New(category, op, cause)
	e.Code = body.Code
	return e
}
