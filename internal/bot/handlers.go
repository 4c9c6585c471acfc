package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) interactionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != "serenity" || len(data.Options) == 0 {
		return
	}
	if i.GuildID == "" {
		b.respond(s, i, "This command can only be used in a server.", true)
		return
	}

	top := data.Options[0]
	switch top.Name {
	case "guild":
		if !b.hasPermission(i, discordgo.PermissionManageGuild) {
			b.respond(s, i, "You need the Manage Server permission for guild settings.", true)
			return
		}
		b.handleGuildCommand(s, i, top)
	case "channel":
		if !b.hasPermission(i, discordgo.PermissionManageChannels) {
			b.respond(s, i, "You need the Manage Channels permission for channel settings.", true)
			return
		}
		b.handleChannelCommand(s, i, top)
	case "stats":
		b.handleStatsCommand(s, i, top)
	case "recent":
		b.handleRecentCommand(s, i, top)
	}
}

func (b *Bot) hasPermission(i *discordgo.InteractionCreate, permission int64) bool {
	return i.Member != nil && i.Member.Permissions&permission != 0
}

func (b *Bot) handleGuildCommand(s *discordgo.Session, i *discordgo.InteractionCreate, group *discordgo.ApplicationCommandInteractionDataOption) {
	if len(group.Options) == 0 {
		return
	}
	sub := group.Options[0]

	var err error
	var reply string
	switch sub.Name {
	case "enable":
		err = b.Repo.UpdateGuildConfig(i.GuildID, map[string]any{"is_enabled": true})
		reply = "Adaptive slowmode **enabled** for this server. Channels are evaluated " +
			"individually; use `/serenity channel disable` to exempt one."
	case "disable":
		err = b.Repo.UpdateGuildConfig(i.GuildID, map[string]any{"is_enabled": false})
		reply = "Adaptive slowmode **disabled** for this server. Pending evaluations are cancelled."
	case "threshold":
		value := int(sub.Options[0].IntValue())
		err = b.Repo.UpdateGuildConfig(i.GuildID, map[string]any{"default_threshold": value})
		reply = fmt.Sprintf("Default threshold set to **%d msg/min**. Channels without an override inherit it.", value)
	case "interval":
		seconds := int(sub.Options[0].IntValue())
		err = b.Repo.UpdateGuildConfig(i.GuildID, map[string]any{"update_interval_seconds": seconds})
		reply = fmt.Sprintf("Channels will now be evaluated every **%d seconds**, starting with the next cycle.", seconds)
	default:
		return
	}

	if err != nil {
		b.log.Error("guild config update failed",
			zap.String("guild_id", i.GuildID), zap.String("subcommand", sub.Name), zap.Error(err))
		b.respond(s, i, "Something went wrong updating the server configuration. Please try again later.", true)
		return
	}
	b.respond(s, i, reply, false)
}

func (b *Bot) handleChannelCommand(s *discordgo.Session, i *discordgo.InteractionCreate, group *discordgo.ApplicationCommandInteractionDataOption) {
	if len(group.Options) == 0 {
		return
	}
	sub := group.Options[0]
	channelID := b.targetChannel(s, i, sub.Options)

	var err error
	var reply string
	switch sub.Name {
	case "enable":
		err = b.Repo.UpdateChannelConfig(channelID, i.GuildID, map[string]any{"is_enabled": true})
		reply = fmt.Sprintf("Adaptive slowmode **enabled** for <#%s>.", channelID)
	case "disable":
		err = b.Repo.UpdateChannelConfig(channelID, i.GuildID, map[string]any{"is_enabled": false})
		reply = fmt.Sprintf("Adaptive slowmode **disabled** for <#%s>. Its history is kept.", channelID)
	case "threshold":
		value := int(sub.Options[0].IntValue())
		if value == 0 {
			err = b.Repo.UpdateChannelConfig(channelID, i.GuildID, map[string]any{"threshold": nil})
			reply = fmt.Sprintf("<#%s> now inherits the guild default threshold.", channelID)
		} else {
			err = b.Repo.UpdateChannelConfig(channelID, i.GuildID, map[string]any{"threshold": value})
			reply = fmt.Sprintf("Threshold for <#%s> set to **%d msg/min**.", channelID, value)
		}
	case "recalibrate":
		err = b.Engine.Recalibrate(channelID)
		reply = fmt.Sprintf("Learned activity pattern for <#%s> discarded. It will retrain from live traffic.", channelID)
	default:
		return
	}

	if err != nil {
		b.log.Error("channel config update failed",
			zap.String("channel_id", channelID), zap.String("subcommand", sub.Name), zap.Error(err))
		b.respond(s, i, "Something went wrong updating the channel configuration. Please try again later.", true)
		return
	}
	b.respond(s, i, reply, false)
}

func (b *Bot) handleStatsCommand(s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) {
	channelID := b.targetChannel(s, i, sub.Options)
	hours := 24
	for _, opt := range sub.Options {
		if opt.Name == "hours" {
			hours = int(opt.IntValue())
		}
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()
	rows, err := b.Repo.GetAnalytics(channelID, cutoff)
	if err != nil {
		b.log.Error("fetching analytics failed", zap.String("channel_id", channelID), zap.Error(err))
		b.respond(s, i, "Analytics are temporarily unavailable. Please try again later.", true)
		return
	}
	if len(rows) == 0 {
		b.respond(s, i, fmt.Sprintf("No recorded activity for <#%s> in the last %d hours.", channelID, hours), true)
		return
	}

	var total, peak int64
	maxSlowmode := 0
	for _, row := range rows {
		total += row.TotalMessages
		if row.TotalMessages > peak {
			peak = row.TotalMessages
		}
		if row.MaxSlowmode > maxSlowmode {
			maxSlowmode = row.MaxSlowmode
		}
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Channel activity",
		Description: fmt.Sprintf("<#%s>, last %d hours", channelID, hours),
		Color:       0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Total messages", Value: fmt.Sprintf("%d", total), Inline: true},
			{Name: "Busiest hour", Value: fmt.Sprintf("%d messages", peak), Inline: true},
			{Name: "Peak slowmode", Value: fmt.Sprintf("%ds", maxSlowmode), Inline: true},
		},
	}
	b.respondEmbed(s, i, embed)
}

func (b *Bot) handleRecentCommand(s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) {
	channelID := b.targetChannel(s, i, sub.Options)
	limit := 5
	for _, opt := range sub.Options {
		if opt.Name == "limit" {
			limit = int(opt.IntValue())
		}
	}

	changes, err := b.Repo.RecentChanges(channelID, limit)
	if err != nil {
		b.log.Error("fetching recent changes failed", zap.String("channel_id", channelID), zap.Error(err))
		b.respond(s, i, "Change history is temporarily unavailable. Please try again later.", true)
		return
	}
	if len(changes) == 0 {
		b.respond(s, i, fmt.Sprintf("No slowmode changes recorded for <#%s> yet.", channelID), true)
		return
	}

	var sb strings.Builder
	for _, c := range changes {
		marker := ""
		if !c.Applied {
			marker = " (failed to apply)"
		}
		fmt.Fprintf(&sb, "<t:%d:R> — **%ds → %ds**%s at %.1f msg/min, confidence %.2f\n",
			c.Timestamp, c.OldValue, c.NewValue, marker, c.MessageRate, c.Confidence)
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Recent slowmode changes",
		Description: fmt.Sprintf("<#%s>\n\n%s", channelID, sb.String()),
		Color:       0x5865F2,
	}
	b.respondEmbed(s, i, embed)
}

// targetChannel resolves the channel option, defaulting to the channel the
// command was issued in.
func (b *Bot) targetChannel(s *discordgo.Session, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) string {
	for _, opt := range opts {
		if opt.Name == "channel" {
			return opt.ChannelValue(s).ID
		}
	}
	return i.ChannelID
}

func (b *Bot) respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
	if err != nil {
		b.log.Warn("responding to interaction failed", zap.Error(err))
	}
}

func (b *Bot) respondEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	})
	if err != nil {
		b.log.Warn("responding to interaction failed", zap.Error(err))
	}
}
