// Package edc is the client for the downstream per-study REDCap registry.
// Patients are identified there by their patient key (record_id).
package edc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/httpclient"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
)

type Client struct {
	http       *resty.Client
	registries RegistriesConfig
	target     RegistryEndpoint
}

func NewClient(registries RegistriesConfig, targetName string, httpClient *http.Client) (*Client, error) {
	if targetName == "" {
		targetName = registries.Target
	}
	target, ok := registries.lookup(targetName)
	if !ok {
		return nil, fmt.Errorf("target registry %q is not configured", targetName)
	}

	client := resty.NewWithClient(httpClient).
		SetHeader("Accept", "application/json")

	return &Client{http: client, registries: registries, target: target}, nil
}

// ListKnownPatientKeys returns every record_id in the target registry.
func (c *Client) ListKnownPatientKeys(ctx context.Context) (map[string]struct{}, error) {
	body, err := c.post(ctx, "edc.list", c.target.URL, map[string]string{
		"token":     c.target.Token,
		"content":   "record",
		"action":    "export",
		"format":    "json",
		"type":      "flat",
		"fields[0]": "record_id",
	})
	if err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, syncerr.New(syncerr.CategoryParse, "edc.list", err)
	}

	keys := make(map[string]struct{}, len(records))
	for _, record := range records {
		if id, ok := record["record_id"]; ok {
			keys[fmt.Sprint(id)] = struct{}{}
		}
	}
	return keys, nil
}

// Admit copies the patient's record from its source registry into the target.
func (c *Client) Admit(ctx context.Context, patientKey, sourceRegistry string) error {
	source, ok := c.registries.lookup(sourceRegistry)
	if !ok {
		return syncerr.Newf(syncerr.CategoryPropagation, "edc.admit", "source registry %q is not configured", sourceRegistry)
	}

	exported, err := c.post(ctx, "edc.export", source.URL, map[string]string{
		"token":      source.Token,
		"content":    "record",
		"action":     "export",
		"format":     "json",
		"type":       "flat",
		"records[0]": patientKey,
	})
	if err != nil {
		return err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(exported, &records); err != nil {
		return syncerr.New(syncerr.CategoryParse, "edc.export", err)
	}
	if len(records) == 0 {
		return syncerr.Newf(syncerr.CategoryPropagation, "edc.export", "record not found in %s", sourceRegistry)
	}

	result, err := c.post(ctx, "edc.import", c.target.URL, map[string]string{
		"token":             c.target.Token,
		"content":           "record",
		"action":            "import",
		"format":            "json",
		"type":              "flat",
		"overwriteBehavior": "overwrite",
		"data":              string(exported),
	})
	if err != nil {
		return err
	}

	logger.Log.WithFields(logrus.Fields{
		"patient_key": patientKey,
		"source":      sourceRegistry,
		"target":      c.target.Name,
		"result":      strings.TrimSpace(string(result)),
	}).Info("Patient admitted to downstream registry")
	return nil
}

func (c *Client) Remove(ctx context.Context, patientKey string) error {
	_, err := c.post(ctx, "edc.delete", c.target.URL, map[string]string{
		"token":        c.target.Token,
		"content":      "record",
		"action":       "delete",
		"returnFormat": "json",
		"records[0]":   patientKey,
	})
	if err != nil {
		return err
	}
	logger.Log.WithFields(logrus.Fields{
		"patient_key": patientKey,
		"target":      c.target.Name,
	}).Info("Patient removed from downstream registry")
	return nil
}

func (c *Client) post(ctx context.Context, op, url string, form map[string]string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(url)
	if err != nil {
		category := syncerr.CategoryPropagation
		if httpclient.IsTransient(err) {
			category = syncerr.CategoryTransientNetwork
		}
		return nil, syncerr.New(category, op, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, syncerr.Newf(syncerr.CategoryAuthentication, op, "registry returned %d", status)
	case status >= http.StatusInternalServerError:
		return nil, syncerr.Newf(syncerr.CategoryTransientNetwork, op, "registry returned %d", status)
	case status >= http.StatusBadRequest:
		return nil, syncerr.Newf(syncerr.CategoryPropagation, op, "registry returned %d: %s", status, redcapError(resp.Body()))
	}
	return resp.Body(), nil
}

func redcapError(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return http.StatusText(http.StatusBadRequest)
}
