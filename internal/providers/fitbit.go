package providers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/operators"
)

const (
	fitbitAuthURL  = "https://www.fitbit.com/oauth2/authorize"
	fitbitTokenURL = "https://api.fitbit.com/oauth2/token"
	fitbitAPIBase  = "https://api.fitbit.com"
)

// Fitbit fetches activity history from the Fitbit Web API.
type Fitbit struct {
	settings OAuthSettings
	client   *fetchClient
	guard    *exchangeGuard
	apiBase  string
	log      *zap.SugaredLogger
}

func NewFitbit(settings OAuthSettings, httpc HTTPClient, maxTries uint, log *zap.Logger) *Fitbit {
	if len(settings.Scopes) == 0 {
		settings.Scopes = []string{"activity", "profile"}
	}
	return &Fitbit{
		settings: settings,
		client:   newFetchClient(httpc, maxTries, log.Sugar()),
		guard:    newExchangeGuard(),
		apiBase:  fitbitAPIBase,
		log:      log.Sugar(),
	}
}

func (f *Fitbit) Name() string { return "fitbit" }

func (f *Fitbit) AuthorizeURL(state string, scopes []string) string {
	return authCodeURL(f.settings.config(fitbitAuthURL, fitbitTokenURL), state, scopes)
}

func (f *Fitbit) RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error) {
	return f.settings.refreshCredentials(ctx, fitbitAuthURL, fitbitTokenURL, creds)
}

type fitbitProfileResponse struct {
	User struct {
		EncodedID   string `json:"encodedId"`
		DisplayName string `json:"displayName"`
		MemberSince string `json:"memberSince"`
	} `json:"user"`
}

func (f *Fitbit) ExchangeCode(ctx context.Context, code string) (*Account, error) {
	tok, err := f.guard.exchange(ctx, f.settings.config(fitbitAuthURL, fitbitTokenURL), code)
	if err != nil {
		return nil, err
	}
	creds := credentialsFromToken(tok)
	var profile fitbitProfileResponse
	if err := f.client.getJSON(ctx, f.apiBase+"/1/user/-/profile.json", creds.AccessToken, &profile); err != nil {
		return nil, err
	}
	if profile.User.EncodedID == "" {
		return nil, models.NewError(models.ErrorMalformedResponse, "fitbit profile has no user id")
	}
	return &Account{
		Provider:    f.Name(),
		UserID:      profile.User.EncodedID,
		UserName:    profile.User.DisplayName,
		Credentials: creds,
	}, nil
}

type fitbitActivitiesResponse struct {
	Activities []struct {
		ActivityName string  `json:"activityName"`
		StartTime    string  `json:"startTime"`
		Duration     int64   `json:"duration"` // milliseconds
		Steps        float64 `json:"steps"`
		Calories     float64 `json:"calories"`
	} `json:"activities"`
	Pagination struct {
		Next string `json:"next"`
	} `json:"pagination"`
}

func (f *Fitbit) FetchCategory(ctx context.Context, name string, creds *Credentials) ([]models.DataItem, error) {
	if name != "activities" {
		return nil, models.NewError(models.ErrorInvalid, fmt.Sprintf("fitbit has no category %q", name))
	}
	items := []models.DataItem{}
	url := fmt.Sprintf("%s/1/user/-/activities/list.json?beforeDate=%s&sort=desc&limit=100&offset=0",
		f.apiBase, time.Now().UTC().Format("2006-01-02"))
	for url != "" {
		var page fitbitActivitiesResponse
		if err := f.client.getJSON(ctx, url, creds.AccessToken, &page); err != nil {
			return nil, err
		}
		for _, a := range page.Activities {
			item := models.DataItem{
				"activity_type": models.TextValue(a.ActivityName),
				"duration":      models.NumberValue(float64(a.Duration) / 60000.0),
				"steps":         models.NumberValue(a.Steps),
				"calories":      models.NumberValue(a.Calories),
			}
			if t, err := operators.ParseDate(a.StartTime); err == nil {
				item["date"] = models.DateValue(t)
			}
			items = append(items, item)
		}
		url = page.Pagination.Next
	}
	f.log.Debugw("fitbit activities fetched", "items", len(items))
	return items, nil
}

func (f *Fitbit) DataCategories() []models.DataCategory {
	return []models.DataCategory{
		{
			Name:  "activities",
			Label: "Activities",
			Attributes: []models.Attribute{
				{Name: "activity_type", Type: models.TypeText},
				{Name: "date", Type: models.TypeDate},
				{Name: "duration", Type: models.TypeNumber, Unit: "minutes"},
				{Name: "steps", Type: models.TypeNumber},
				{Name: "calories", Type: models.TypeNumber, Unit: "kcal"},
			},
			CustomVariablesEnabled: true,
		},
	}
}

func (f *Fitbit) Builtins() []BuiltinSpec {
	return []BuiltinSpec{
		{
			Variable: models.BuiltinVariable{
				Name: "account_created_date", DataProvider: f.Name(), Type: models.TypeDate,
			},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				var profile fitbitProfileResponse
				if err := f.client.getJSON(ctx, f.apiBase+"/1/user/-/profile.json", env.Creds.AccessToken, &profile); err != nil {
					return models.Value{}, err
				}
				t, err := operators.ParseDate(profile.User.MemberSince)
				if err != nil {
					return models.Value{}, nil
				}
				return models.DateValue(t), nil
			},
		},
		{
			Variable: models.BuiltinVariable{
				Name: "activities_by_frequency", DataProvider: f.Name(), Type: models.TypeText,
				Index: intPtr(0),
			},
			Requires: []string{"activities"},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				items, err := env.Fetch(ctx, "activities")
				if err != nil {
					return models.Value{}, err
				}
				return rankByFrequency(items, "activity_type", env.Index), nil
			},
		},
	}
}
