package main

import (
	"fmt"
	"strings"

	"github.com/Xodls128/partyboom/go/internal/party"
)

type vote struct {
	questionID string
	choice     party.Choice
}

// parseVotes reads "42=A,43=b". Each question may appear once.
func parseVotes(s string) ([]vote, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	seen := make(map[string]bool)
	var votes []vote
	for _, item := range strings.Split(s, ",") {
		question, choice, ok := strings.Cut(strings.TrimSpace(item), "=")
		question = strings.TrimSpace(question)
		if !ok || question == "" {
			return nil, fmt.Errorf("invalid vote %q, want question=choice", item)
		}
		c, err := party.ParseChoice(choice)
		if err != nil {
			return nil, fmt.Errorf("vote for question %s: %w", question, err)
		}
		if seen[question] {
			return nil, fmt.Errorf("question %s voted twice", question)
		}
		seen[question] = true
		votes = append(votes, vote{questionID: question, choice: c})
	}
	return votes, nil
}
