// Package tgui renders bot cards for Telegram's HTML parse mode: escaped
// text lines, inline keyboards built from callback data, and the send
// options that travel with them.
package tgui
