package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ciserver/pkg/api"
)

func TestNormalizeRepoURL(t *testing.T) {
	tests := []struct {
		name, raw, branch string
		wantURL           string
		wantBranch        string
	}{
		{"plain", "https://github.com/acme/app", "", "https://github.com/acme/app", "main"},
		{"explicit branch", "https://github.com/acme/app", "dev", "https://github.com/acme/app", "dev"},
		{"tree sets branch", "https://github.com/acme/app/tree/feature-x", "", "https://github.com/acme/app", "feature-x"},
		{"tree keeps explicit branch", "https://github.com/acme/app/tree/feature-x", "main", "https://github.com/acme/app", "main"},
		{"tree first segment only", "https://github.com/acme/app/tree/release/src", "", "https://github.com/acme/app", "release"},
		{"blob stripped", "https://github.com/acme/app/blob/main/README.md", "", "https://github.com/acme/app", "main"},
		{"github trailing slash", "https://github.com/acme/app/", "", "https://github.com/acme/app", "main"},
		{"git suffix kept", "https://github.com/acme/app.git", "", "https://github.com/acme/app.git", "main"},
		{"other host slash kept", "https://gitlab.com/acme/app/", "", "https://gitlab.com/acme/app/", "main"},
		{"whitespace", "  https://github.com/acme/app  ", " dev ", "https://github.com/acme/app", "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotURL, gotBranch := api.NormalizeRepoURL(tt.raw, tt.branch)
			assert.Equal(t, tt.wantURL, gotURL)
			assert.Equal(t, tt.wantBranch, gotBranch)
		})
	}
}
