package models

// RedactPayload returns the subset of a job payload safe to expose on the
// read-only jobs API. Anything not explicitly allow-listed is dropped.
func RedactPayload(jobType string, payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}

	pick := func(keys ...string) map[string]any {
		out := map[string]any{}
		for _, k := range keys {
			if s, ok := payload[k].(string); ok && s != "" {
				out[k] = s
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}

	switch jobType {
	case TypeSyncLocations:
		return nil
	case TypeSyncReviews:
		return pick("locationId")
	case TypeProcessReview:
		return pick("reviewId", "mode", "draftReplyId")
	case TypePostReply:
		return pick("reviewId", "draftReplyId", "actorUserId")
	default:
		return nil
	}
}
