package workspace

import (
	"fmt"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
)

// CloneURL derives the HTTPS clone URL for a hosted repository, embedding the
// access token when one is supplied.
func CloneURL(repo RepoRef, token string) (string, error) {
	switch repo.Provider {
	case ProviderGitHub:
		if token != "" {
			return fmt.Sprintf("https://%s@github.com/%s/%s.git", token, repo.Owner, repo.Name), nil
		}
		return fmt.Sprintf("https://github.com/%s/%s.git", repo.Owner, repo.Name), nil
	case ProviderGitLab:
		if token != "" {
			return fmt.Sprintf("https://oauth2:%s@gitlab.com/%s/%s.git", token, repo.Owner, repo.Name), nil
		}
		return fmt.Sprintf("https://gitlab.com/%s/%s.git", repo.Owner, repo.Name), nil
	case ProviderBitbucket:
		if token != "" {
			return fmt.Sprintf("https://x-token-auth:%s@bitbucket.org/%s/%s.git", token, repo.Owner, repo.Name), nil
		}
		return fmt.Sprintf("https://bitbucket.org/%s/%s.git", repo.Owner, repo.Name), nil
	default:
		return "", apperrors.UnsupportedProvider(string(repo.Provider))
	}
}
