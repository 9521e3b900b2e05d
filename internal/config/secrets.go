package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretGetter is the subset of the Secrets Manager client used here.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ResolveDatabaseURL reads a database URL from a secret. The secret is
// either the URL itself or a JSON object with a "url" field, or the
// host/port/username/password/dbname fields RDS writes.
func ResolveDatabaseURL(ctx context.Context, api SecretGetter, secretID string) (string, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", secretID, err)
	}
	raw := strings.TrimSpace(aws.ToString(out.SecretString))
	if raw == "" {
		return "", fmt.Errorf("secret %s is empty", secretID)
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}

	var doc struct {
		URL      string `json:"url"`
		Host     string `json:"host"`
		Port     any    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		DBName   string `json:"dbname"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("parse secret %s: %w", secretID, err)
	}
	if doc.URL != "" {
		return doc.URL, nil
	}
	if doc.Host == "" || doc.Username == "" {
		return "", fmt.Errorf("secret %s has neither url nor host/username", secretID)
	}
	port := "5432"
	if doc.Port != nil {
		port = fmt.Sprint(doc.Port)
	}
	db := doc.DBName
	if db == "" {
		db = "postgres"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(doc.Username, doc.Password),
		Host:   doc.Host + ":" + port,
		Path:   "/" + db,
	}
	return u.String(), nil
}
