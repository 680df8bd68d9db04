package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"burnerchat/internal/session"
	"burnerchat/pkg/burner"
)

// errQuit ends the console loop without reporting a failure.
var errQuit = errors.New("quit")

type commandKind string

const (
	commandSay     commandKind = "say"
	commandJoin    commandKind = "join"
	commandBurn    commandKind = "burn"
	commandNick    commandKind = "nick"
	commandProfile commandKind = "profile"
	commandWhois   commandKind = "whois"
	commandSearch  commandKind = "search"
	commandEmoji   commandKind = "emoji"
	commandHelp    commandKind = "help"
	commandQuit    commandKind = "quit"
)

var commandNeedsArgument = map[commandKind]bool{
	commandJoin:    true,
	commandBurn:    false,
	commandNick:    true,
	commandProfile: true,
	commandWhois:   true,
	commandSearch:  true,
	commandEmoji:   true,
	commandHelp:    false,
	commandQuit:    false,
}

const helpText = `commands:
  <text>              send a message to the active channel
  /join <channel>     join a channel and make it active
  /burn               burn the active channel
  /nick <name>        set the display name sent with channel calls
  /profile <nickname> publish your profile
  /whois <agent>      watch an agent's profile
  /search <prefix>    find profiles by nickname prefix
  /emoji <emoji>      fire the emoji cannon
  /help               show this help
  /quit               leave`

type command struct {
	kind commandKind
	arg  string
}

// parseCommand parses one input line. Blank lines report ok=false.
func parseCommand(line string) (cmd command, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: commandSay, arg: line}, true, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	kind := commandKind(strings.ToLower(name))
	arg = strings.TrimSpace(arg)
	needsArgument, known := commandNeedsArgument[kind]
	switch {
	case !known:
		return command{}, false, fmt.Errorf("unknown command /%s, try /help", name)
	case needsArgument && arg == "":
		return command{}, false, fmt.Errorf("/%s needs an argument", kind)
	case !needsArgument && arg != "":
		return command{}, false, fmt.Errorf("/%s takes no argument", kind)
	}

	return command{kind: kind, arg: arg}, true, nil
}

// console is the line-oriented presentation layer over one session.
type console struct {
	sess *session.Session

	outMu sync.Mutex
	out   io.Writer

	mu           sync.Mutex
	mine         session.ProfileView
	mineSeen     bool
	unwatchMine  session.Unsubscribe
	unwatchRoom  session.Unsubscribe
	watches      map[burner.IdentityKey]session.Unsubscribe
	subscription burner.Subscription
}

func newConsole(ctx context.Context, sess *session.Session, out io.Writer) (*console, error) {
	c := &console{
		sess:    sess,
		out:     out,
		watches: make(map[burner.IdentityKey]session.Unsubscribe),
	}

	current, unwatch := sess.ObserveMyProfile(ctx, func(view session.ProfileView) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.mine = view
		c.mineSeen = true
	})
	c.mu.Lock()
	if !c.mineSeen {
		c.mine = current
	}
	c.unwatchMine = unwatch
	c.mu.Unlock()

	subscription, err := sess.Subscribe(ctx, burner.SubscriptionSpec{
		Name: "console",
		Filter: burner.SignalFilter{Types: []burner.SignalType{
			burner.SignalMessage,
			burner.SignalEmojiCannon,
			burner.SignalBurnChannel,
		}},
	}, c.onSignal)
	if err != nil {
		unwatch()
		return nil, fmt.Errorf("new console: %w", err)
	}
	c.subscription = subscription

	return c, nil
}

// Run executes lines until quit, end of input, or ctx ends.
func (c *console) Run(ctx context.Context, lines <-chan string) error {
	c.printf("burnerchat ready as %s, /help lists commands", c.sess.Self())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			cmd, ok, err := parseCommand(line)
			if err != nil {
				c.printf("error: %v", err)
				continue
			}
			if !ok {
				continue
			}
			if err := c.execute(ctx, cmd); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.printf("error: %v", err)
			}
		}
	}
}

// Close stops every watch and the signal subscription.
func (c *console) Close(ctx context.Context) error {
	c.mu.Lock()
	unwatches := []session.Unsubscribe{c.unwatchMine, c.unwatchRoom}
	for _, unwatch := range c.watches {
		unwatches = append(unwatches, unwatch)
	}
	c.watches = make(map[burner.IdentityKey]session.Unsubscribe)
	c.unwatchMine, c.unwatchRoom = nil, nil
	subscription := c.subscription
	c.subscription = nil
	c.mu.Unlock()

	for _, unwatch := range unwatches {
		if unwatch != nil {
			unwatch()
		}
	}
	if subscription == nil {
		return nil
	}

	return subscription.Close(ctx)
}

func (c *console) execute(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case commandSay:
		return c.sess.SendMessage(ctx, cmd.arg)
	case commandEmoji:
		return c.sess.FireEmojiCannon(ctx, cmd.arg)
	case commandJoin:
		return c.join(ctx, burner.ChannelID(cmd.arg))
	case commandBurn:
		return c.burn(ctx)
	case commandNick:
		if err := c.sess.SetUsername(cmd.arg); err != nil {
			return err
		}
		c.printf("display name is now %s", c.sess.Username())
		return nil
	case commandProfile:
		return c.publishProfile(ctx, cmd.arg)
	case commandWhois:
		return c.whois(ctx, cmd.arg)
	case commandSearch:
		return c.search(ctx, cmd.arg)
	case commandHelp:
		c.printf("%s", helpText)
		return nil
	case commandQuit:
		return errQuit
	default:
		return fmt.Errorf("unhandled command %s", cmd.kind)
	}
}

func (c *console) join(ctx context.Context, channel burner.ChannelID) error {
	membership, err := c.sess.JoinChannel(ctx, channel)
	if err != nil {
		return err
	}
	c.printf("joined %s with %d member(s)", channel, membership.Len())

	_, unwatch, err := c.sess.ObserveChannelMembers(ctx, channel, c.onMembers)
	if err != nil {
		return err
	}
	c.replaceRoomWatch(unwatch)

	return nil
}

func (c *console) burn(ctx context.Context) error {
	channel, _ := c.sess.ActiveChannel()
	if err := c.sess.BurnChannel(ctx); err != nil {
		return err
	}
	c.replaceRoomWatch(nil)
	c.printf("burned %s", channel)

	return nil
}

func (c *console) replaceRoomWatch(unwatch session.Unsubscribe) {
	c.mu.Lock()
	previous := c.unwatchRoom
	c.unwatchRoom = unwatch
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
}

func (c *console) publishProfile(ctx context.Context, nickname string) error {
	c.mu.Lock()
	current := c.mine
	c.mu.Unlock()

	profile := burner.Profile{Nickname: nickname}
	if current.Found {
		profile.Fields = current.Value.Fields
		if err := c.sess.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		c.printf("profile updated: %s", nickname)
		return nil
	}

	if err := c.sess.CreateProfile(ctx, profile); err != nil {
		return err
	}
	c.printf("profile created: %s", nickname)

	return nil
}

func (c *console) whois(ctx context.Context, rawAgent string) error {
	agent, err := burner.ParseIdentityKey(rawAgent)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, watching := c.watches[agent]
	c.mu.Unlock()
	if watching {
		c.printf("already watching %s", agent)
		return nil
	}

	current, unwatch, err := c.sess.ObserveProfile(ctx, agent, func(view session.ProfileView) {
		c.printProfile(agent, view)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.watches[agent] = unwatch
	c.mu.Unlock()

	if current.Found {
		c.printProfile(agent, current)
	} else {
		c.printf("looking up %s", agent)
	}

	return nil
}

func (c *console) search(ctx context.Context, prefix string) error {
	found, err := c.sess.SearchProfiles(ctx, prefix)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		c.printf("no profiles match %q", prefix)
		return nil
	}

	agents := make([]burner.IdentityKey, 0, len(found))
	for agent := range found {
		agents = append(agents, agent)
	}
	slices.SortFunc(agents, func(left, right burner.IdentityKey) int {
		if byName := strings.Compare(found[left].Nickname, found[right].Nickname); byName != 0 {
			return byName
		}
		return left.Compare(right)
	})
	for _, agent := range agents {
		c.printf("%s  %s", found[agent].Nickname, agent)
	}

	return nil
}

func (c *console) onMembers(membership burner.Membership) {
	names := make([]string, 0, membership.Len())
	for _, agent := range membership.Keys() {
		names = append(names, displayName(membership.Members[agent], agent))
	}
	c.printf("[%s] members: %s", membership.Channel, strings.Join(names, ", "))
}

func (c *console) onSignal(_ context.Context, signal *burner.Signal) error {
	sender := displayName(signal.Username, signal.Agent)
	switch signal.Type {
	case burner.SignalMessage:
		var text string
		if err := json.Unmarshal(signal.Payload, &text); err != nil {
			return fmt.Errorf("decode message payload: %w", err)
		}
		c.printf("[%s] %s: %s", signal.Channel, sender, text)
	case burner.SignalEmojiCannon:
		var emoji string
		if err := json.Unmarshal(signal.Payload, &emoji); err != nil {
			return fmt.Errorf("decode emoji payload: %w", err)
		}
		c.printf("[%s] %s fired %s", signal.Channel, sender, emoji)
	case burner.SignalBurnChannel:
		c.printf("[%s] burned by %s", signal.Channel, sender)
	default:
	}

	return nil
}

func (c *console) printProfile(agent burner.IdentityKey, view session.ProfileView) {
	if !view.Found {
		c.printf("%s has no profile", agent)
		return
	}
	c.printf("%s is %s", agent, view.Value.Nickname)
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

func displayName(username string, agent burner.IdentityKey) string {
	if username = strings.TrimSpace(username); username != "" {
		return username
	}
	if agent.IsZero() {
		return "someone"
	}
	text := agent.String()
	if len(text) > 12 {
		text = text[:12]
	}

	return text
}

// readLines streams r line by line. The channel closes at end of input.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return lines
}
