package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Patterns and length constraints are exported for reuse (e.g., JSON Schema).
const (
	UserNamePattern  = "^[A-Za-z0-9](?:[A-Za-z0-9-]{0,37}[A-Za-z0-9])?$"
	RepoNamePattern  = "^[A-Za-z0-9._-]{1,100}$"
	SessionIDPattern = "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"
	TokenPattern     = "^[A-Za-z0-9_-]{43}$"
	CodePattern      = "^[0-9]{4,8}$"

	UserNameMin = 1
	UserNameMax = 39
	RepoNameMin = 1
	RepoNameMax = 100

	SessionIDLength = 36
	TokenLength     = 43

	AccountMax     = 320
	DestinationMax = 4096
	LimitMax       = 1000000
)

var (
	reUser    = regexp.MustCompile(UserNamePattern)
	reRepo    = regexp.MustCompile(RepoNamePattern)
	reSession = regexp.MustCompile(SessionIDPattern)
	reToken   = regexp.MustCompile(TokenPattern)
	reCode    = regexp.MustCompile(CodePattern)
)

// Sentinel errors for classification by callers.
var (
	ErrInvalidUserName    = errors.New("invalid username")
	ErrInvalidRepoName    = errors.New("invalid repository name")
	ErrInvalidRepository  = errors.New("invalid repository")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrInvalidToken       = errors.New("invalid download token")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrInvalidLimit       = errors.New("invalid limit")
	ErrInvalidCode        = errors.New("invalid verification code")
)

// ValidateUserName checks GitHub username rule: 1-39 chars, alnum or hyphen,
// cannot start/end with hyphen.
func ValidateUserName(s string) error {
	s = strings.TrimSpace(s)
	if len(s) < UserNameMin || len(s) > UserNameMax || !reUser.MatchString(s) {
		return fmt.Errorf("%w: %d-%d chars alnum or hyphen, no leading/trailing hyphen", ErrInvalidUserName, UserNameMin, UserNameMax)
	}
	return nil
}

// ValidateRepoName checks repository name rule: 1-100 chars, alnum, dot, underscore, or hyphen.
func ValidateRepoName(s string) error {
	s = strings.TrimSpace(s)
	if len(s) < RepoNameMin || len(s) > RepoNameMax || !reRepo.MatchString(s) {
		return fmt.Errorf("%w: %d-%d chars, alnum, dot, underscore, or hyphen only", ErrInvalidRepoName, RepoNameMin, RepoNameMax)
	}
	return nil
}

// ParseRepository parses "{owner}/{repository}" and validates both parts.
func ParseRepository(s string) (owner string, repo string, err error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: expected {owner}/{repository}", ErrInvalidRepository)
	}
	owner = strings.TrimSpace(parts[0])
	repo = strings.TrimSpace(parts[1])
	if err := ValidateUserName(owner); err != nil {
		return "", "", fmt.Errorf("%w: owner invalid: %w", ErrInvalidRepository, err)
	}
	if err := ValidateRepoName(repo); err != nil {
		return "", "", fmt.Errorf("%w: repository invalid: %w", ErrInvalidRepository, err)
	}
	return owner, repo, nil
}

// ValidateSessionID checks the canonical lowercase UUID form.
func ValidateSessionID(s string) error {
	if len(s) != SessionIDLength || !reSession.MatchString(s) {
		return fmt.Errorf("%w: expected a lowercase UUID", ErrInvalidSessionID)
	}
	return nil
}

// ValidateToken checks the shape of a download token (32 bytes, unpadded base64url).
func ValidateToken(s string) error {
	if len(s) != TokenLength || !reToken.MatchString(s) {
		return fmt.Errorf("%w: expected %d base64url characters", ErrInvalidToken, TokenLength)
	}
	return nil
}

// ValidateAccount checks that an account identifier is present and printable.
func ValidateAccount(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > AccountMax {
		return fmt.Errorf("%w: 1-%d chars required", ErrInvalidAccount, AccountMax)
	}
	if strings.ContainsAny(s, "\x00\r\n") {
		return fmt.Errorf("%w: control characters are not allowed", ErrInvalidAccount)
	}
	return nil
}

// ValidateDestination checks a local destination directory path.
func ValidateDestination(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidDestination)
	}
	if len(s) > DestinationMax {
		return fmt.Errorf("%w: longer than %d chars", ErrInvalidDestination, DestinationMax)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: NUL byte in path", ErrInvalidDestination)
	}
	return nil
}

// ValidateLimit checks the optional item limit; zero means no limit.
func ValidateLimit(n int) error {
	if n < 0 || n > LimitMax {
		return fmt.Errorf("%w: must be between 0 and %d", ErrInvalidLimit, LimitMax)
	}
	return nil
}

// ValidateCode checks an out-of-band verification code: 4-8 digits.
func ValidateCode(s string) error {
	if !reCode.MatchString(strings.TrimSpace(s)) {
		return fmt.Errorf("%w: 4-8 digits expected", ErrInvalidCode)
	}
	return nil
}
