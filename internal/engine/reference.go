package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fellcore/internal/events"
)

// emptyPrefixSegment is rendered when no reference prefix is configured.
const emptyPrefixSegment = "---"

// FormatReference renders {prefix}/{counter}/{year} with the counter zero
// padded to three digits and an optional trailing postfix segment.
func FormatReference(prefix string, counter, year int, postfix string) string {
	if prefix == "" {
		prefix = emptyPrefixSegment
	}
	ref := fmt.Sprintf("%s/%03d/%d", prefix, counter, year)
	if postfix != "" {
		ref += "/" + postfix
	}
	return ref
}

// ParsedReference is a decomposed application reference.
type ParsedReference struct {
	Prefix  string
	Counter int
	Year    int
	Postfix string
}

// ParseReference splits a stored reference back into its segments. The
// "---" segment parses back to an empty prefix.
func ParseReference(ref string) (ParsedReference, error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 && len(parts) != 4 {
		return ParsedReference{}, validationFailure(fmt.Sprintf("malformed reference %q", ref))
	}
	counter, err := strconv.Atoi(parts[1])
	if err != nil {
		return ParsedReference{}, validationFailure(fmt.Sprintf("malformed reference counter in %q", ref))
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return ParsedReference{}, validationFailure(fmt.Sprintf("malformed reference year in %q", ref))
	}
	p := ParsedReference{Prefix: parts[0], Counter: counter, Year: year}
	if p.Prefix == emptyPrefixSegment {
		p.Prefix = ""
	}
	if len(parts) == 4 {
		p.Postfix = parts[3]
	}
	return p, nil
}

// UpdateReferenceNumber swaps the prefix segment of an application's
// reference, keeping its counter, year and postfix.
func (e Engine) UpdateReferenceNumber(ctx context.Context, applicationID, actorID, newPrefix string) (string, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return "", err
	}
	parsed, err := ParseReference(a.Reference)
	if err != nil {
		return "", err
	}
	updated := FormatReference(newPrefix, parsed.Counter, parsed.Year, parsed.Postfix)
	if updated == a.Reference {
		return updated, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateApplicationReference(ctx, tx, a.ID, updated); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, events.ReferenceUpdated, a.ID, a.ID, actorID, events.EventPayload{
		"previous": a.Reference,
		"current":  updated,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return updated, nil
}

func newDetailID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}
