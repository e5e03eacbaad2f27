package record

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	textAskStart     = "📼 Do you want *record* this chat? 📼"
	textHot          = "🔥 This chat getting *hot* 🔥\n" + textAskStart
	textAskStop      = "🚫 Do you want *stop* now? 🚫"
	textIdle         = "*TOK TOK* There is anyone here?\n" + textAskStop
	textRecording    = "📼 *Recording*..."
	textNextTime     = "Ok next time!"
	textStopped      = "🛑 Recording *stop*!"
	textRestored     = "♻️ Recording *restored* after restart 📼"
	textStartFailed  = "⚠️ Recording could not start"
	textNotValid     = "This request is no longer valid."
	textNotRecording = "Nothing is being recorded here."
	textNoRecords    = "No records"
)

func countdown(text string, left time.Duration) string {
	secs := int(math.Ceil(left.Seconds()))
	return fmt.Sprintf("%s (%ds left)", text, secs)
}

var markdownStripper = strings.NewReplacer("*", "", "_", "", "`", "")

func stripMarkdown(s string) string { return markdownStripper.Replace(s) }

func exportCaption(title string, chatID int64) string {
	if title == "" {
		title = fmt.Sprintf("%d", chatID)
	}
	return "📼 _from_ " + title
}
