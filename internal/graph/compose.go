// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package graph

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagPattern         = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// StripHTML reduces HTML content to plain text: script/style blocks removed,
// tags stripped, entities decoded, whitespace collapsed.
func StripHTML(content string) string {
	text := scriptBlockPattern.ReplaceAllString(content, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// ComposeReplyBody assembles the full draft body: the generated fragment,
// the style signature, and the original message quoted as a thread so the
// reply renders as a natural continuation in the user's mail client.
func ComposeReplyBody(htmlBody, signature string, src *Message) string {
	var b strings.Builder

	b.WriteString(htmlBody)

	if signature != "" {
		b.WriteString("<br><br>")
		b.WriteString(signature)
	}

	b.WriteString("<br><br><hr>")
	b.WriteString("<div style=\"color:#666;font-size:90%\">")
	b.WriteString(fmt.Sprintf("<p><b>From:</b> %s<br>", formatAddress(src.From)))
	if !src.ReceivedAt.IsZero() {
		b.WriteString(fmt.Sprintf("<b>Sent:</b> %s<br>", src.ReceivedAt.Format("Mon, 2 Jan 2006 15:04")))
	}
	if len(src.To) > 0 {
		var to []string
		for _, r := range src.To {
			to = append(to, formatAddress(r))
		}
		b.WriteString(fmt.Sprintf("<b>To:</b> %s<br>", strings.Join(to, "; ")))
	}
	if src.Subject != "" {
		b.WriteString(fmt.Sprintf("<b>Subject:</b> %s", html.EscapeString(src.Subject)))
	}
	b.WriteString("</p><blockquote>")
	b.WriteString("<p>" + html.EscapeString(StripHTML(src.Body.Content)) + "</p>")
	b.WriteString("</blockquote></div>")

	return b.String()
}

func formatAddress(a EmailAddress) string {
	if a.Name != "" {
		return html.EscapeString(fmt.Sprintf("%s <%s>", a.Name, a.Address))
	}
	return html.EscapeString(a.Address)
}
