package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/serenity-bot/serenity/internal/activity"
	"github.com/serenity-bot/serenity/internal/analytics"
	"github.com/serenity-bot/serenity/internal/config"
	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/engine"
)

// Bot owns the Discord session and bridges platform events into the slowmode
// engine: message events feed the recorder, slash commands mutate config,
// and the engine mutates channel rate limits back through the session.
type Bot struct {
	Session   *discordgo.Session
	Repo      *database.Repository
	Recorder  *activity.Recorder
	Engine    *engine.Engine
	Analytics *analytics.Aggregator

	log *zap.Logger
	// limiter paces channel-edit calls against Discord's API rate limits.
	limiter *rate.Limiter

	cancel context.CancelFunc
}

func New(repo *database.Repository, recorder *activity.Recorder, agg *analytics.Aggregator, log *zap.Logger) (*Bot, error) {
	discord, err := discordgo.New("Bot " + config.DiscordToken)
	if err != nil {
		return nil, err
	}
	discord.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	b := &Bot{
		Session:   discord,
		Repo:      repo,
		Recorder:  recorder,
		Analytics: agg,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(float64(config.SlowmodeEditsPerMinute)/60), 2),
	}

	b.registerHandlers()
	return b, nil
}

// SetEngine wires the decision engine in after construction; the engine
// needs the bot as its Platform, so the two are built in two steps.
func (b *Bot) SetEngine(e *engine.Engine) {
	b.Engine = e
}

func (b *Bot) Start() error {
	if err := b.Session.Open(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	go b.Engine.Run(ctx)
	go b.Analytics.Run(ctx)
	go b.updateStatusPeriodically(ctx)

	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if err := b.Session.Close(); err != nil {
		b.log.Warn("closing session", zap.Error(err))
	}
}

func (b *Bot) registerHandlers() {
	b.Session.AddHandler(b.ready)
	b.Session.AddHandler(b.messageCreate)
	b.Session.AddHandler(b.interactionCreate)
	b.Session.AddHandler(b.guildCreate)
	b.Session.AddHandler(b.guildDelete)
}

func (b *Bot) ready(s *discordgo.Session, event *discordgo.Ready) {
	b.log.Info("bot is ready", zap.Int("guilds", len(event.Guilds)))
	b.registerCommands()
	b.updateBotStatus()
}

// messageCreate is the ingest hot path: count the message and return. No
// store or engine work happens here.
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	b.Recorder.RecordMessage(m.ChannelID, m.GuildID, m.Author.ID, m.Timestamp)
}

func (b *Bot) guildCreate(s *discordgo.Session, event *discordgo.GuildCreate) {
	b.log.Info("joined guild", zap.String("guild_id", event.ID), zap.String("name", event.Guild.Name))
	if _, err := b.Repo.EnsureGuildConfig(event.ID); err != nil {
		b.log.Warn("creating guild config failed", zap.String("guild_id", event.ID), zap.Error(err))
	}
	b.updateBotStatus()
}

func (b *Bot) guildDelete(s *discordgo.Session, event *discordgo.GuildDelete) {
	if !event.Unavailable {
		b.log.Info("removed from guild, cleaning up config", zap.String("guild_id", event.ID))
		if err := b.Repo.DeleteGuildData(event.ID); err != nil {
			b.log.Warn("guild cleanup failed", zap.String("guild_id", event.ID), zap.Error(err))
		}
	}
	b.updateBotStatus()
}

// CurrentSlowmode reads the channel's rate limit, preferring the state cache.
func (b *Bot) CurrentSlowmode(channelID string) (int, error) {
	if ch, err := b.Session.State.Channel(channelID); err == nil {
		return ch.RateLimitPerUser, nil
	}
	ch, err := b.Session.Channel(channelID)
	if err != nil {
		return 0, err
	}
	return ch.RateLimitPerUser, nil
}

// SetSlowmode edits the channel's rate limit, paced by the API limiter.
func (b *Bot) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	if seconds < 0 || seconds > 21600 {
		return fmt.Errorf("slowmode %d out of platform range", seconds)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.Session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{
		RateLimitPerUser: &seconds,
	})
	return err
}

func (b *Bot) updateStatusPeriodically(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.updateBotStatus()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) updateBotStatus() {
	status := fmt.Sprintf("over %d servers", len(b.Session.State.Guilds))
	err := b.Session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Activities: []*discordgo.Activity{
			{
				Name: status,
				Type: discordgo.ActivityTypeWatching,
			},
		},
	})
	if err != nil {
		b.log.Warn("updating status failed", zap.Error(err))
	}
}
