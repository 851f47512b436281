package lncfg

import "fmt"

// DefaultMinResponses is the default number of trusted contact responses
// needed before a socially recovered key may authorize a recovery.
const DefaultMinResponses = 1

// SocialRecovery configures the consuming policy of social recovery.
//
//nolint:lll
type SocialRecovery struct {
	MinResponses int `long:"minresponses" description:"Minimum number of valid trusted contact responses required to use a social challenge."`
}

// DefaultSocialRecovery returns the default social recovery config.
func DefaultSocialRecovery() *SocialRecovery {
	return &SocialRecovery{
		MinResponses: DefaultMinResponses,
	}
}

// Validate checks the social recovery options.
func (s *SocialRecovery) Validate() error {
	if s.MinResponses < 1 {
		return fmt.Errorf("socialrecovery.minresponses must be at " +
			"least 1")
	}

	return nil
}
