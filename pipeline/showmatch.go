package pipeline

import (
	"context"

	"github.com/civiccaption/flexcore/clients"
	"github.com/civiccaption/flexcore/scanner"
)

// matchShow implements the Upload stage's show-matching policy: an
// explicit requestedShowID wins outright; otherwise match by
// (volume label, recording date) against Cablecast's show catalog. A
// recording with no match is not an error: the caller uploads unattached
// and flags needs_review.
//
// Given stable Cablecast state and a stable filename/mtime, matchShow
// returns the same result across calls, since it is a pure function of
// its inputs plus one read-only ListShows call.
func matchShow(ctx context.Context, cc clients.CablecastClient, label string, r scanner.Recording, requestedShowID *int) (showID *int, needsReview bool, err error) {
	if requestedShowID != nil {
		return requestedShowID, false, nil
	}

	date := scanner.RecordingDate(r)
	shows, err := cc.ListShows(ctx, clients.ShowFilter{Label: label, Date: date})
	if err != nil {
		return nil, false, err
	}
	for _, s := range shows {
		if s.Date == date {
			id := s.ID
			return &id, false, nil
		}
	}
	return nil, true, nil
}
