package util

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	publicTokenRe   = regexp.MustCompile(`^public-(sandbox|development|production)-[A-Za-z0-9-]+$`)
	institutionIDRe = regexp.MustCompile(`^ins_[A-Za-z0-9]+$`)
)

func ValidatePublicToken(token string) bool {
	return publicTokenRe.MatchString(token)
}

func ValidateInstitutionID(id string) bool {
	return institutionIDRe.MatchString(id)
}

func ValidateInstitutionName(name string) bool {
	name = strings.TrimSpace(name)
	return len(name) >= 1 && len(name) <= 200
}

func ValidateID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
