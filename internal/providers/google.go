package providers

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/operators"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	googleAPIBase  = "https://www.googleapis.com"
)

// Google fetches calendar events from the Google Calendar API.
type Google struct {
	settings OAuthSettings
	client   *fetchClient
	guard    *exchangeGuard
	apiBase  string
	log      *zap.SugaredLogger
}

func NewGoogle(settings OAuthSettings, httpc HTTPClient, maxTries uint, log *zap.Logger) *Google {
	if len(settings.Scopes) == 0 {
		settings.Scopes = []string{
			"https://www.googleapis.com/auth/calendar.events.readonly",
			"https://www.googleapis.com/auth/userinfo.profile",
		}
	}
	return &Google{
		settings: settings,
		client:   newFetchClient(httpc, maxTries, log.Sugar()),
		guard:    newExchangeGuard(),
		apiBase:  googleAPIBase,
		log:      log.Sugar(),
	}
}

func (g *Google) Name() string { return "google" }

func (g *Google) AuthorizeURL(state string, scopes []string) string {
	return authCodeURL(g.settings.config(googleAuthURL, googleTokenURL), state, scopes)
}

func (g *Google) RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error) {
	return g.settings.refreshCredentials(ctx, googleAuthURL, googleTokenURL, creds)
}

type googleUserinfoResponse struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
}

func (g *Google) ExchangeCode(ctx context.Context, code string) (*Account, error) {
	tok, err := g.guard.exchange(ctx, g.settings.config(googleAuthURL, googleTokenURL), code)
	if err != nil {
		return nil, err
	}
	creds := credentialsFromToken(tok)
	var user googleUserinfoResponse
	if err := g.client.getJSON(ctx, g.apiBase+"/oauth2/v3/userinfo", creds.AccessToken, &user); err != nil {
		return nil, err
	}
	if user.Sub == "" {
		return nil, models.NewError(models.ErrorMalformedResponse, "google userinfo has no subject")
	}
	return &Account{
		Provider:    g.Name(),
		UserID:      user.Sub,
		UserName:    user.Name,
		Credentials: creds,
	}, nil
}

type googleEventsResponse struct {
	Items []struct {
		Summary string `json:"summary"`
		Start   struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
		End struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"end"`
		Attendees []struct {
			Email string `json:"email"`
		} `json:"attendees"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

func (g *Google) FetchCategory(ctx context.Context, name string, creds *Credentials) ([]models.DataItem, error) {
	if name != "calendar_events" {
		return nil, models.NewError(models.ErrorInvalid, fmt.Sprintf("google has no category %q", name))
	}
	items := []models.DataItem{}
	pageToken := ""
	for {
		u := g.apiBase + "/calendar/v3/calendars/primary/events?maxResults=250&singleEvents=true"
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var page googleEventsResponse
		if err := g.client.getJSON(ctx, u, creds.AccessToken, &page); err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			item := models.DataItem{
				"title":          models.TextValue(ev.Summary),
				"attendee_count": models.NumberValue(float64(len(ev.Attendees))),
			}
			startRaw := ev.Start.DateTime
			if startRaw == "" {
				startRaw = ev.Start.Date
			}
			endRaw := ev.End.DateTime
			if endRaw == "" {
				endRaw = ev.End.Date
			}
			start, startErr := operators.ParseDate(startRaw)
			if startErr == nil {
				item["start_date"] = models.DateValue(start)
				if end, err := operators.ParseDate(endRaw); err == nil && end.After(start) {
					item["duration"] = models.NumberValue(end.Sub(start).Minutes())
				}
			}
			items = append(items, item)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	g.log.Debugw("google calendar events fetched", "items", len(items))
	return items, nil
}

func (g *Google) DataCategories() []models.DataCategory {
	return []models.DataCategory{
		{
			Name:  "calendar_events",
			Label: "Calendar events",
			Attributes: []models.Attribute{
				{Name: "title", Type: models.TypeText},
				{Name: "start_date", Type: models.TypeDate},
				{Name: "duration", Type: models.TypeNumber, Unit: "minutes"},
				{Name: "attendee_count", Type: models.TypeNumber},
			},
			CustomVariablesEnabled: true,
		},
	}
}

func (g *Google) Builtins() []BuiltinSpec {
	return []BuiltinSpec{
		{
			Variable: models.BuiltinVariable{
				Name: "event_count", DataProvider: g.Name(), Type: models.TypeNumber,
			},
			Requires: []string{"calendar_events"},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				items, err := env.Fetch(ctx, "calendar_events")
				if err != nil {
					return models.Value{}, err
				}
				return models.NumberValue(float64(len(items))), nil
			},
		},
		{
			Variable: models.BuiltinVariable{
				Name: "events_by_frequency", DataProvider: g.Name(), Type: models.TypeText,
				Index: intPtr(0),
			},
			Requires: []string{"calendar_events"},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				items, err := env.Fetch(ctx, "calendar_events")
				if err != nil {
					return models.Value{}, err
				}
				return rankByFrequency(items, "title", env.Index), nil
			},
		},
	}
}
