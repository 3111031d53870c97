package main

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/oneline-chat/pkg/config"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
)

func newChatsCommand(s *config.Settings) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Browse stored chat history",
	}
	listCmd, err := NewChatsListCommand(s)
	if err != nil {
		return nil, err
	}
	showCmd, err := NewChatsShowCommand(s)
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.Command{listCmd, showCmd} {
		cobraCmd, err := buildGlazedCommand(c)
		if err != nil {
			return nil, err
		}
		cmd.AddCommand(cobraCmd)
	}
	return cmd, nil
}

func openChatStore(s config.Settings) (*stores, error) {
	if s.Storage.Backend == "memory" {
		return nil, errors.New("chats: the memory backend keeps no history between runs")
	}
	return openStores(s)
}

type ChatsListCommand struct {
	*cmds.CommandDescription
	settings *config.Settings
}

type ChatsListSettings struct {
	Owner  string `glazed:"owner"`
	Search string `glazed:"search"`
	Limit  int    `glazed:"limit"`
	Offset int    `glazed:"offset"`
}

func NewChatsListCommand(s *config.Settings) (*ChatsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List chats, most recently updated first"),
		cmds.WithFlags(
			fields.New(
				"owner",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only chats of this owner"),
			),
			fields.New(
				"search",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Substring matched against titles, prompts and responses"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(chatstore.DefaultListLimit),
				fields.WithHelp("Maximum number of chats"),
			),
			fields.New(
				"offset",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Number of chats to skip"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &ChatsListCommand{CommandDescription: desc, settings: s}, nil
}

func (c *ChatsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	ls := &ChatsListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, ls); err != nil {
		return err
	}
	return c.list(ctx, ls, gp)
}

func (c *ChatsListCommand) list(ctx context.Context, ls *ChatsListSettings, gp middlewares.Processor) error {
	st, err := openChatStore(*c.settings)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	chats, err := st.chats.ListChats(ctx, chatstore.ListQuery{
		OwnerID: ls.Owner,
		Search:  ls.Search,
		Limit:   ls.Limit,
		Offset:  ls.Offset,
	})
	if err != nil {
		return errors.Wrap(err, "chats list")
	}
	for _, chat := range chats {
		row := types.NewRow(
			types.MRP("id", chat.ID),
			types.MRP("owner_id", chat.OwnerID),
			types.MRP("title", chat.Title),
			types.MRP("visibility", string(chat.Visibility)),
			types.MRP("turn_count", chat.TurnCount),
			types.MRP("last_prompt", chat.LastPrompt),
			types.MRP("created_at", formatMs(chat.CreatedAtMs)),
			types.MRP("updated_at", formatMs(chat.UpdatedAtMs)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// ChatsShowCommand prints every turn of one chat, one row per turn.
type ChatsShowCommand struct {
	*cmds.CommandDescription
	settings *config.Settings
}

type ChatsShowSettings struct {
	ChatID string `glazed:"chat-id"`
}

func NewChatsShowCommand(s *config.Settings) (*ChatsShowCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Print one chat with all its turns"),
		cmds.WithArguments(
			fields.New(
				"chat-id",
				fields.TypeString,
				fields.WithHelp("Chat to print"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &ChatsShowCommand{CommandDescription: desc, settings: s}, nil
}

func (c *ChatsShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	ss := &ChatsShowSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, ss); err != nil {
		return err
	}
	return c.show(ctx, ss, gp)
}

func (c *ChatsShowCommand) show(ctx context.Context, ss *ChatsShowSettings, gp middlewares.Processor) error {
	if ss.ChatID == "" {
		return errors.New("chats show: a chat id is required")
	}
	st, err := openChatStore(*c.settings)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	chat, err := st.chats.GetChat(ctx, ss.ChatID)
	if err != nil {
		return errors.Wrapf(err, "chats show %s", ss.ChatID)
	}
	for _, t := range chat.Turns {
		row := types.NewRow(
			types.MRP("chat_id", chat.ID),
			types.MRP("title", chat.Title),
			types.MRP("seq", t.Seq),
			types.MRP("created_at", formatMs(t.CreatedAtMs)),
			types.MRP("status", string(t.Status)),
			types.MRP("error_kind", t.ErrorKind),
			types.MRP("provider", t.Provider),
			types.MRP("model", t.Model),
			types.MRP("agent_id", t.AgentID),
			types.MRP("prompt", t.Prompt),
			types.MRP("response", t.Response),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ cmds.GlazeCommand = &ChatsListCommand{}
	_ cmds.GlazeCommand = &ChatsShowCommand{}
)

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
