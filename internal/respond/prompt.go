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

package respond

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/draftwise/pipeline/internal/models"
)

// systemPrompt describes the writing persona from the style profile.
// Free-text custom instructions take explicit precedence over the
// style/tone defaults.
func systemPrompt(style *models.StyleProfile) string {
	var b strings.Builder

	b.WriteString("You draft email replies on behalf of a busy professional.\n")
	fmt.Fprintf(&b, "Writing style: %s. Tone: %s.\n", style.Style, style.Tone)

	if len(style.SampleTexts) > 0 {
		b.WriteString("\nMatch the voice of these samples written by the same person:\n")
		for i, sample := range style.SampleTexts {
			fmt.Fprintf(&b, "--- Sample %d ---\n%s\n", i+1, sample)
		}
	}

	if style.CustomInstructions != "" {
		b.WriteString("\nThe following instructions OVERRIDE the style and tone above wherever they conflict:\n")
		b.WriteString(style.CustomInstructions)
		b.WriteString("\n")
	}

	b.WriteString("\nOutput rules: respond with an HTML fragment only (use <p> tags). ")
	b.WriteString("Do NOT include a signature, sign-off name, subject line, or any markdown fences. ")
	b.WriteString("The signature is appended separately.")

	return b.String()
}

// userPrompt renders the email plus calendar context. Blocked ranges are
// listed explicitly; an empty calendar is stated as open rather than
// omitted, so the model cannot hallucinate either availability or conflicts.
func userPrompt(in GenerateInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Reply to this email.\n\nFrom: %s\nSubject: %s\n\n%s\n", in.Sender, in.Subject, in.Body)

	b.WriteString("\nCalendar context: ")
	if len(in.Busy) == 0 {
		b.WriteString("the schedule is fully open; any reasonable time may be proposed.\n")
	} else {
		b.WriteString("the following ranges are BLOCKED. Never propose a time inside them:\n")
		for _, iv := range in.Busy {
			fmt.Fprintf(&b, "- %s to %s\n",
				iv.Start.Format("Mon 2 Jan 15:04"),
				iv.End.Format("Mon 2 Jan 15:04"))
		}
	}

	return b.String()
}

var (
	fencePattern = regexp.MustCompile("(?s)```(?:html)?\n?(.*?)```")
	// signOffPattern matches a trailing sign-off block the model added
	// despite instructions ("Best regards,\nName" and variants).
	signOffPattern = regexp.MustCompile(`(?i)<p>\s*(best regards|kind regards|regards|sincerely|best|cheers|thanks|thank you)\s*,?\s*(<br\s*/?>\s*[^<]{0,80})?\s*</p>\s*$`)
)

// postProcess normalises raw model output into a clean HTML fragment:
// code fences unwrapped, stray sign-off stripped, bare text wrapped in <p>.
func postProcess(raw string) string {
	out := strings.TrimSpace(raw)

	if m := fencePattern.FindStringSubmatch(out); m != nil {
		out = strings.TrimSpace(m[1])
	}

	out = strings.TrimSpace(signOffPattern.ReplaceAllString(out, ""))

	if out != "" && !strings.Contains(out, "<") {
		paragraphs := strings.Split(out, "\n\n")
		var wrapped []string
		for _, p := range paragraphs {
			p = strings.TrimSpace(p)
			if p != "" {
				wrapped = append(wrapped, "<p>"+p+"</p>")
			}
		}
		out = strings.Join(wrapped, "")
	}

	return out
}
