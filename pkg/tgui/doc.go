// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers ("action:id:unix")
//   - HTML escaping for ParseMode="HTML"
package tgui
