// Package twitchchat connects the recorder to Twitch chat over IRC.
//
// Each joined channel is one conversation, keyed by its numeric room id.
// IRC has no buttons and no edits, so confirmation prompts carry a short
// code that viewers answer with "!yes <code>" or "!no <code>", countdown
// edits are dropped, and other edits are posted as new lines. Attachments
// and document uploads are not supported.
//
// Moderators and the broadcaster can ask to stop a recording with "!recstop".
package twitchchat
