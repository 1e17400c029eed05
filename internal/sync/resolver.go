package sync

// Resolution names which side of a conflict kept its data.
type Resolution string

const (
	ResolutionClientWins Resolution = "client-wins"
	ResolutionServerWins Resolution = "server-wins"
)

// Decision is the structured outcome of resolving one session conflict. It
// carries enough for the merger to act on and for the response to report.
type Decision struct {
	EntityID        string
	Resolution      Resolution
	ClientTimestamp string
	ServerTimestamp string
}

// ResolveSession decides between two copies of the same session identity by
// last-write-wins on completion timestamp. The strictly later copy wins; on
// an exact tie the server's existing copy is kept, so a client replaying an
// identical-timestamp stale payload cannot perturb server state.
//
// Malformed timestamps fall back deterministically: an unparseable client
// timestamp loses, an unparseable server timestamp loses to a well-formed
// client one, and two unparseable timestamps keep the server copy. Pure
// function, no I/O.
func ResolveSession(entityID, clientTS, serverTS string) Decision {
	d := Decision{
		EntityID:        entityID,
		Resolution:      ResolutionServerWins,
		ClientTimestamp: clientTS,
		ServerTimestamp: serverTS,
	}

	clientAt, clientOK := parseTimestamp(clientTS)
	serverAt, serverOK := parseTimestamp(serverTS)

	switch {
	case clientOK && serverOK:
		if clientAt.After(serverAt) {
			d.Resolution = ResolutionClientWins
		}
	case clientOK && !serverOK:
		d.Resolution = ResolutionClientWins
	}
	return d
}
