// Package aibot implements a Discord chat bot that relays user messages
// to a generative AI backend and posts the responses back to the channel.
//
// The bot listens on the Discord gateway and answers messages that
// mention it, or that arrive via direct message. Each admitted message
// is forwarded to the backend's chat completion API and the reply is
// trimmed to Discord's message length limit before it is sent.
//
// Key components of the package include:
//
//   - AIBot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and gateway sessions.
//   - AI: Manages interactions with the AI backend.
//   - Dispatcher: Routes inbound messages through throttling, generation
//     and formatting.
//   - UserRateLimiter: Per-user sliding-window admission control.
//   - API: Provides an HTTP API for health checks and status monitoring.
//
// The bot supports a handful of prefix commands:
//
//   - !help: Shows usage, available commands and the rate limits.
//   - !ping: Reports the gateway heartbeat latency.
//   - !info: Shows bot and runtime details.
//   - !chat: Chats with the AI without mentioning the bot.
//
// Messages containing Discord invite links are deleted and the sender
// is timed out, unless the sender is an administrator.
package aibot
