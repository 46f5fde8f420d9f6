package store

import "strings"

// SearchMessages finds messages whose body contains query (case-insensitive),
// newest first. An empty communityID searches every conversation.
func (db *DB) SearchMessages(query string, communityID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if communityID != "" {
		q += " AND community_id = ?"
		args = append(args, communityID)
	}
	q += " ORDER BY sent_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, wrap("search", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, wrap("search", err)
	}

	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Body, query, 32)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match with << >> and keeps about width runes of
// context on each side.
func snippet(body, query string, width int) string {
	idx := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if idx < 0 {
		return body
	}
	start, end := idx, idx+len(query)
	from := start
	for n := 0; from > 0 && n < width; n++ {
		from--
		for from > 0 && !isRuneStart(body[from]) {
			from--
		}
	}
	to := end
	for n := 0; to < len(body) && n < width; n++ {
		to++
		for to < len(body) && !isRuneStart(body[to]) {
			to++
		}
	}

	var b strings.Builder
	if from > 0 {
		b.WriteString("...")
	}
	b.WriteString(body[from:start])
	b.WriteString("<<")
	b.WriteString(body[start:end])
	b.WriteString(">>")
	b.WriteString(body[end:to])
	if to < len(body) {
		b.WriteString("...")
	}
	return b.String()
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
