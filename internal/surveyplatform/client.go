// Package surveyplatform talks to the survey platform the personalized
// survey is hosted on: contacts carry the merged embedded data, and a
// distribution link is minted per contact.
package surveyplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
)

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the consumed survey-platform capability.
type Client struct {
	base     string
	apiToken string
	surveyID string
	http     HTTPClient
	log      *zap.SugaredLogger
}

func NewClient(baseURL, apiToken, surveyID string, httpc HTTPClient, log *zap.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: baseURL, apiToken: apiToken, surveyID: surveyID, http: httpc, log: log.Sugar()}
}

type contactPayload struct {
	ExtRef       string            `json:"extRef"`
	EmbeddedData map[string]string `json:"embeddedData"`
}

type contactResult struct {
	Result struct {
		ID       string `json:"id"`
		Elements []struct {
			ContactID string `json:"contactId"`
		} `json:"elements"`
	} `json:"result"`
}

// UpsertContact creates or updates the mailing-list contact identified
// by externalRef, replacing its embedded data with the merged variable
// mapping. Keyed on externalRef, so a retry never creates a second
// contact for the same respondent.
func (c *Client) UpsertContact(ctx context.Context, mailingListID, externalRef string, embeddedData map[string]string) (string, error) {
	var lookup contactResult
	lookupURL := fmt.Sprintf("%s/v3/mailinglists/%s/contacts?extRef=%s", c.base, mailingListID, url.QueryEscape(externalRef))
	if err := c.do(ctx, http.MethodGet, lookupURL, nil, &lookup); err != nil {
		return "", err
	}

	payload := contactPayload{ExtRef: externalRef, EmbeddedData: embeddedData}
	if len(lookup.Result.Elements) > 0 {
		contactID := lookup.Result.Elements[0].ContactID
		updateURL := fmt.Sprintf("%s/v3/mailinglists/%s/contacts/%s", c.base, mailingListID, contactID)
		if err := c.do(ctx, http.MethodPut, updateURL, payload, nil); err != nil {
			return "", err
		}
		c.log.Debugw("survey platform contact updated", "contact", contactID)
		return contactID, nil
	}

	var created contactResult
	createURL := fmt.Sprintf("%s/v3/mailinglists/%s/contacts", c.base, mailingListID)
	if err := c.do(ctx, http.MethodPost, createURL, payload, &created); err != nil {
		return "", err
	}
	if created.Result.ID == "" {
		return "", models.NewUploadFailedError("survey platform returned no contact id")
	}
	c.log.Debugw("survey platform contact created", "contact", created.Result.ID)
	return created.Result.ID, nil
}

type distributionPayload struct {
	SurveyID  string `json:"surveyId"`
	ContactID string `json:"contactId"`
}

type distributionResult struct {
	Result struct {
		Link string `json:"link"`
	} `json:"result"`
}

// CreateDistributionURL mints an individual survey link for a contact.
func (c *Client) CreateDistributionURL(ctx context.Context, contactID string) (string, error) {
	var res distributionResult
	err := c.do(ctx, http.MethodPost, c.base+"/v3/distributions",
		distributionPayload{SurveyID: c.surveyID, ContactID: contactID}, &res)
	if err != nil {
		return "", err
	}
	if res.Result.Link == "" {
		return "", models.NewUploadFailedError("survey platform returned no distribution link")
	}
	return res.Result.Link, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return models.NewUploadFailedError(err.Error())
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return models.NewUploadFailedError(err.Error())
	}
	req.Header.Set("X-API-TOKEN", c.apiToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.NewUploadFailedError(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.NewUploadFailedError(
			fmt.Sprintf("survey platform returned %s: %s", resp.Status, snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewUploadFailedError("decode survey platform response: " + err.Error())
	}
	return nil
}
