package providers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/operators"
)

const (
	surveyMonkeyAuthURL  = "https://api.surveymonkey.com/oauth/authorize"
	surveyMonkeyTokenURL = "https://api.surveymonkey.com/oauth/token"
	surveyMonkeyAPIBase  = "https://api.surveymonkey.com/v3"
)

// SurveyMonkey fetches the authorized researcher's own surveys.
type SurveyMonkey struct {
	settings OAuthSettings
	client   *fetchClient
	guard    *exchangeGuard
	apiBase  string
	log      *zap.SugaredLogger
}

func NewSurveyMonkey(settings OAuthSettings, httpc HTTPClient, maxTries uint, log *zap.Logger) *SurveyMonkey {
	return &SurveyMonkey{
		settings: settings,
		client:   newFetchClient(httpc, maxTries, log.Sugar()),
		guard:    newExchangeGuard(),
		apiBase:  surveyMonkeyAPIBase,
		log:      log.Sugar(),
	}
}

func (s *SurveyMonkey) Name() string { return "surveymonkey" }

func (s *SurveyMonkey) AuthorizeURL(state string, scopes []string) string {
	return authCodeURL(s.settings.config(surveyMonkeyAuthURL, surveyMonkeyTokenURL), state, scopes)
}

func (s *SurveyMonkey) RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error) {
	return s.settings.refreshCredentials(ctx, surveyMonkeyAuthURL, surveyMonkeyTokenURL, creds)
}

type surveyMonkeyUserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DateCreated string `json:"date_created"`
}

func (s *SurveyMonkey) ExchangeCode(ctx context.Context, code string) (*Account, error) {
	tok, err := s.guard.exchange(ctx, s.settings.config(surveyMonkeyAuthURL, surveyMonkeyTokenURL), code)
	if err != nil {
		return nil, err
	}
	creds := credentialsFromToken(tok)
	var user surveyMonkeyUserResponse
	if err := s.client.getJSON(ctx, s.apiBase+"/users/me", creds.AccessToken, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, models.NewError(models.ErrorMalformedResponse, "surveymonkey user response has no id")
	}
	return &Account{
		Provider:    s.Name(),
		UserID:      user.ID,
		UserName:    user.Username,
		Credentials: creds,
	}, nil
}

type surveyMonkeySurveysResponse struct {
	Data []struct {
		Title         string `json:"title"`
		DateCreated   string `json:"date_created"`
		ResponseCount int    `json:"response_count"`
		QuestionCount int    `json:"question_count"`
	} `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

func (s *SurveyMonkey) FetchCategory(ctx context.Context, name string, creds *Credentials) ([]models.DataItem, error) {
	if name != "surveys" {
		return nil, models.NewError(models.ErrorInvalid, fmt.Sprintf("surveymonkey has no category %q", name))
	}
	items := []models.DataItem{}
	url := s.apiBase + "/surveys?per_page=100&include=response_count,question_count,date_created"
	for url != "" {
		var page surveyMonkeySurveysResponse
		if err := s.client.getJSON(ctx, url, creds.AccessToken, &page); err != nil {
			return nil, err
		}
		for _, sv := range page.Data {
			item := models.DataItem{
				"title":          models.TextValue(sv.Title),
				"response_count": models.NumberValue(float64(sv.ResponseCount)),
				"question_count": models.NumberValue(float64(sv.QuestionCount)),
			}
			if t, err := operators.ParseDate(sv.DateCreated); err == nil {
				item["created_date"] = models.DateValue(t)
			}
			items = append(items, item)
		}
		url = page.Links.Next
	}
	s.log.Debugw("surveymonkey surveys fetched", "items", len(items))
	return items, nil
}

func (s *SurveyMonkey) DataCategories() []models.DataCategory {
	return []models.DataCategory{
		{
			Name:  "surveys",
			Label: "Surveys",
			Attributes: []models.Attribute{
				{Name: "title", Type: models.TypeText},
				{Name: "created_date", Type: models.TypeDate},
				{Name: "response_count", Type: models.TypeNumber},
				{Name: "question_count", Type: models.TypeNumber},
			},
			CustomVariablesEnabled: true,
		},
	}
}

func (s *SurveyMonkey) Builtins() []BuiltinSpec {
	return []BuiltinSpec{
		{
			Variable: models.BuiltinVariable{
				Name: "account_created_date", DataProvider: s.Name(), Type: models.TypeDate,
			},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				var user surveyMonkeyUserResponse
				if err := s.client.getJSON(ctx, s.apiBase+"/users/me", env.Creds.AccessToken, &user); err != nil {
					return models.Value{}, err
				}
				t, err := operators.ParseDate(user.DateCreated)
				if err != nil {
					return models.Value{}, nil
				}
				return models.DateValue(t), nil
			},
		},
		{
			Variable: models.BuiltinVariable{
				Name: "survey_count", DataProvider: s.Name(), Type: models.TypeNumber,
			},
			Requires: []string{"surveys"},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				items, err := env.Fetch(ctx, "surveys")
				if err != nil {
					return models.Value{}, err
				}
				return models.NumberValue(float64(len(items))), nil
			},
		},
	}
}
