package feedmesh

import "fmt"

// FeedTitle computes the title of a feed as seen by viewer. Titles are
// viewer-dependent: a personal feed shows the owner's alias marked (YOU),
// a chat shows the counterpart's alias, a group shows its stored title and
// a broadcast shows the owner's alias.
func FeedTitle(feed Feed, viewer Address, profiles map[Address]Profile) (string, error) {
	switch feed.Type {
	case FeedTypePersonal:
		alias := profiles[viewer].Alias
		if alias == "" {
			alias = string(viewer)
		}
		return fmt.Sprintf("%s (YOU)", alias), nil
	case FeedTypeChat:
		for _, p := range feed.Participants {
			if p.Address == viewer {
				continue
			}
			if alias := profiles[p.Address].Alias; alias != "" {
				return alias, nil
			}
			return string(p.Address), nil
		}
		return "", fmt.Errorf("chat feed %s has no counterpart for %s", feed.FeedID, viewer)
	case FeedTypeGroup:
		if feed.Title != "" {
			return feed.Title, nil
		}
		return ownerAlias(feed, profiles)
	case FeedTypeBroadcast:
		return ownerAlias(feed, profiles)
	default:
		return "", fmt.Errorf("unknown feed type %q", feed.Type)
	}
}

func ownerAlias(feed Feed, profiles map[Address]Profile) (string, error) {
	for _, p := range feed.Participants {
		if p.Role == RoleOwner {
			if alias := profiles[p.Address].Alias; alias != "" {
				return alias, nil
			}
			return string(p.Address), nil
		}
	}
	return "", fmt.Errorf("feed %s has no owner", feed.FeedID)
}
