package bot

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) registerCommands() {
	manageGuild := int64(discordgo.PermissionManageGuild)

	commands := []*discordgo.ApplicationCommand{
		{
			Name:                     "serenity",
			Description:              "Adaptive slowmode controls",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        "guild",
					Description: "Guild-wide configuration",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "enable",
							Description: "Enable adaptive slowmode in this server",
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "disable",
							Description: "Disable adaptive slowmode in this server",
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "threshold",
							Description: "Set the default messages-per-minute threshold",
							Options: []*discordgo.ApplicationCommandOption{
								{
									Type:        discordgo.ApplicationCommandOptionInteger,
									Name:        "value",
									Description: "Messages per minute before slowmode activates",
									Required:    true,
									MinValue:    floatPtr(1),
									MaxValue:    100,
								},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "interval",
							Description: "Set how often channels are evaluated",
							Options: []*discordgo.ApplicationCommandOption{
								{
									Type:        discordgo.ApplicationCommandOptionInteger,
									Name:        "seconds",
									Description: "Evaluation interval in seconds",
									Required:    true,
									MinValue:    floatPtr(30),
									MaxValue:    3600,
								},
							},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        "channel",
					Description: "Per-channel configuration",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "enable",
							Description: "Enable adaptive slowmode in a channel",
							Options:     []*discordgo.ApplicationCommandOption{channelOption()},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "disable",
							Description: "Disable adaptive slowmode in a channel",
							Options:     []*discordgo.ApplicationCommandOption{channelOption()},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "threshold",
							Description: "Override the threshold for a channel",
							Options: []*discordgo.ApplicationCommandOption{
								{
									Type:        discordgo.ApplicationCommandOptionInteger,
									Name:        "value",
									Description: "Messages per minute, 0 to inherit the guild default",
									Required:    true,
									MinValue:    floatPtr(0),
									MaxValue:    100,
								},
								channelOption(),
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "recalibrate",
							Description: "Discard a channel's learned activity pattern",
							Options:     []*discordgo.ApplicationCommandOption{channelOption()},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "stats",
					Description: "Show hourly activity analytics for a channel",
					Options: []*discordgo.ApplicationCommandOption{
						channelOption(),
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "hours",
							Description: "How many hours back to report (default 24)",
							Required:    false,
							MinValue:    floatPtr(1),
							MaxValue:    168,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "recent",
					Description: "Show recent slowmode changes for a channel",
					Options: []*discordgo.ApplicationCommandOption{
						channelOption(),
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "limit",
							Description: "How many changes to show (default 5)",
							Required:    false,
							MinValue:    floatPtr(1),
							MaxValue:    20,
						},
					},
				},
			},
		},
	}

	_, err := b.Session.ApplicationCommandBulkOverwrite(b.Session.State.User.ID, "", commands)
	if err != nil {
		b.log.Error("registering commands failed", zap.Error(err))
	}
}

func channelOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionChannel,
		Name:        "channel",
		Description: "Target channel (defaults to the current one)",
		Required:    false,
		ChannelTypes: []discordgo.ChannelType{
			discordgo.ChannelTypeGuildText,
		},
	}
}

func floatPtr(f float64) *float64 {
	return &f
}
