package webhook

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// EmbedColor is the green used for delivered screenshots.
const EmbedColor = 0x2ECC71

const captureLayout = "2006-01-02 15:04:05"

func (c *Client) buildEmbed(name string, sentSize int64, u Upload) *discordgo.MessageEmbed {
	sizeInfo := FormatSize(sentSize)
	compression := "Not compressed"
	if u.CompressedSize > 0 && u.OriginalSize > 0 && u.CompressedSize != u.OriginalSize {
		sizeInfo = fmt.Sprintf("%s → %s", FormatSize(u.OriginalSize), FormatSize(u.CompressedSize))
		compression = "Compressed"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "File", Value: name},
	}
	if u.World != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "World", Value: u.World})
	}
	captured := "unknown"
	if !u.CapturedAt.IsZero() {
		captured = u.CapturedAt.Format(captureLayout)
	}
	fields = append(fields,
		&discordgo.MessageEmbedField{Name: "Size", Value: sizeInfo, Inline: true},
		&discordgo.MessageEmbedField{Name: "Compression", Value: compression, Inline: true},
		&discordgo.MessageEmbedField{Name: "Captured", Value: captured, Inline: true},
	)

	footer := "shutterpost"
	if c.version != "" {
		footer += " " + c.version
	}
	return &discordgo.MessageEmbed{
		Title:       "VRChat Screenshot",
		Description: "A new screenshot was captured.",
		Timestamp:   c.now().UTC().Format(time.RFC3339),
		Color:       EmbedColor,
		Fields:      fields,
		Image:       &discordgo.MessageEmbedImage{URL: "attachment://" + name},
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

// FormatSize renders a byte count as B, KB or MB with one decimal.
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
