package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/emberchat/ember/internal/proto"
	"github.com/emberchat/ember/internal/room"
	"github.com/emberchat/ember/internal/store"
)

// commandLoop reads slash commands and chat lines from stdin until EOF or
// ctx cancellation.
func (c *client) commandLoop(ctx context.Context) error {
	fmt.Println("ember: /create <code> [name], /join <code>, /help")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				c.cmdSend(line)
				continue
			}
			if quit := c.runCommand(ctx, line); quit {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *client) runCommand(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/create":
		c.cmdCreate(ctx, args, false)
	case "/create-gated":
		c.cmdCreate(ctx, args, true)
	case "/join":
		c.cmdJoin(ctx, args)
	case "/send":
		c.cmdSend(strings.Join(args, " "))
	case "/react":
		c.cmdReact(args)
	case "/seen":
		c.cmdSeen(args)
	case "/typing":
		c.cmdTyping(args)
	case "/name":
		c.cmdName(args)
	case "/kick":
		c.cmdKick(args)
	case "/approve":
		c.cmdApprove(args)
	case "/reject":
		c.cmdReject(args)
	case "/peers":
		c.cmdPeers()
	case "/msgs":
		c.cmdMsgs()
	case "/leave":
		c.cmdLeave(len(args) > 0 && args[0] == "save")
	case "/end":
		c.cmdEnd()
	case "/quit":
		c.cmdLeave(true)
		return true
	case "/help":
		printHelp()
	default:
		fmt.Printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func (c *client) cmdCreate(ctx context.Context, args []string, approval bool) {
	if len(args) < 1 {
		fmt.Println("usage: /create <code> [name]")
		return
	}
	code := args[0]
	name := code
	if len(args) > 1 {
		name = strings.Join(args[1:], " ")
	}
	r, err := c.rooms.CreateRoom(name, code, c.cfg.Profile.DisplayName, approval)
	if err != nil {
		fmt.Printf("create failed: %v\n", err)
		return
	}
	if err := c.connectMesh(ctx, code, c.rooms.SelfID(), true); err != nil {
		fmt.Printf("relay unavailable: %v\n", err)
		return
	}
	fmt.Printf("room %q is up, share the code %q\n", r.Name, r.Code)
}

func (c *client) cmdJoin(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /join <code>")
		return
	}
	code := args[0]
	res := c.rooms.JoinRoom(code, c.cfg.Profile.DisplayName)
	switch res.Status {
	case room.JoinKicked:
		fmt.Println("you were kicked from this room and cannot rejoin")
		return
	case room.JoinRoomFull:
		fmt.Println("the room is full")
		return
	case room.JoinNotFound:
		fmt.Println("no such room")
		return
	case room.JoinPending:
		fmt.Println("join request queued, waiting for approval")
	case room.JoinReconnected:
		fmt.Printf("welcome back, %s\n", res.DisplayName)
	case room.JoinSuccess:
		fmt.Printf("joined %s as %s\n", code, res.DisplayName)
	}
	if err := c.connectMesh(ctx, code, res.PeerID, res.IsCreator); err != nil {
		fmt.Printf("relay unavailable: %v\n", err)
	}
}

func (c *client) cmdSend(text string) {
	if text == "" {
		return
	}
	msg, status := c.store.AddMessage(c.rooms.SelfID(), c.rooms.SelfName(), text)
	switch status {
	case store.AddEmpty:
		return
	case store.AddTooLong:
		fmt.Printf("message too long (max %d characters)\n", proto.MaxMessageLength)
		return
	case store.AddRateLimited:
		fmt.Println("slow down")
		return
	}
	delivered := c.broadcast(proto.P2PChatMessage, proto.ChatPayload{
		MessageID:   msg.MessageID,
		Content:     msg.Content,
		DisplayName: msg.SenderDisplayName,
		SentAt:      msg.Timestamp.UnixMilli(),
	})
	for _, id := range delivered {
		c.store.MarkDelivered(msg.MessageID, id)
	}
}

func (c *client) cmdReact(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: /react <message-id> <emoji>")
		return
	}
	if c.store.AddReaction(args[0], args[1], c.rooms.SelfID()) {
		c.broadcast(proto.P2PReaction, proto.ReactionPayload{MessageID: args[0], Emoji: args[1]})
	}
}

func (c *client) cmdSeen(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /seen <message-id>")
		return
	}
	if c.store.MarkSeen(args[0], c.rooms.SelfID()) {
		c.broadcast(proto.P2PSeen, proto.SeenPayload{MessageID: args[0]})
	}
}

func (c *client) cmdTyping(args []string) {
	on := len(args) > 0 && args[0] == "on"
	c.rooms.SetTyping(c.rooms.SelfID(), on)
	if on {
		c.broadcast(proto.P2PTypingStart, nil)
	} else {
		c.broadcast(proto.P2PTypingStop, nil)
	}
}

func (c *client) cmdName(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /name <new-name>")
		return
	}
	name := strings.Join(args, " ")
	c.rooms.UpdateDisplayName(c.rooms.SelfID(), name)
	c.broadcast(proto.P2PNameChange, proto.NamePayload{DisplayName: c.rooms.SelfName()})
}

func (c *client) cmdKick(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /kick <peer-id>")
		return
	}
	if err := c.rooms.KickParticipant(args[0]); err != nil {
		fmt.Printf("kick failed: %v\n", err)
		return
	}
	c.broadcast(proto.P2PKick, proto.KickPayload{TargetPeerID: args[0]})
	fmt.Printf("kicked %s\n", args[0])
}

func (c *client) cmdApprove(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /approve <peer-id>")
		return
	}
	status, err := c.rooms.ApproveJoinRequest(args[0])
	if err != nil {
		fmt.Printf("approve failed: %v\n", err)
		return
	}
	switch status {
	case room.JoinSuccess:
		c.mu.Lock()
		c.approved[args[0]] = struct{}{}
		mesh := c.mesh
		c.mu.Unlock()
		if mesh != nil {
			c.sendTo(mesh, args[0], proto.P2PJoinApproved, nil)
		}
		fmt.Printf("approved %s\n", args[0])
	case room.JoinRoomFull:
		fmt.Println("room is full, request bounced")
	case room.JoinNotFound:
		fmt.Println("no such pending request")
	}
}

func (c *client) cmdReject(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /reject <peer-id>")
		return
	}
	if err := c.rooms.RejectJoinRequest(args[0]); err != nil {
		fmt.Printf("reject failed: %v\n", err)
		return
	}
	c.mu.Lock()
	mesh := c.mesh
	c.mu.Unlock()
	if mesh != nil {
		c.sendTo(mesh, args[0], proto.P2PJoinRejected, nil)
	}
	fmt.Printf("rejected %s\n", args[0])
}

func (c *client) cmdPeers() {
	parts := c.rooms.Participants()
	ids := make([]string, 0, len(parts))
	for id := range parts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := time.Now()
	for _, id := range ids {
		p := parts[id]
		status := "online"
		if p.IsDisconnected() {
			status = fmt.Sprintf("reconnecting (%ds left)", int(p.TimeoutRemaining(now).Seconds()))
		}
		tag := ""
		if p.IsCreator {
			tag = " [creator]"
		}
		if p.IsTyping {
			tag += " [typing]"
		}
		fmt.Printf("  %s  %s%s  %s\n", id, p.DisplayName, tag, status)
	}
	for _, req := range c.rooms.PendingRequests() {
		fmt.Printf("  %s  %s  [pending approval]\n", req.PeerID, req.DisplayName)
	}
}

func (c *client) cmdMsgs() {
	for _, m := range c.store.Messages() {
		if m.IsRemoved {
			fmt.Printf("  %s  ...\n", m.MessageID)
			continue
		}
		fmt.Printf("  %s  <%s> %s\n", m.MessageID, m.SenderDisplayName, m.Content)
	}
}

func (c *client) cmdLeave(save bool) {
	c.rooms.LeaveRoom(save)
	c.teardown()
	if save {
		fmt.Printf("left; rejoin within %ds to keep your seat\n", int(proto.DisconnectGrace.Seconds()))
	} else {
		fmt.Println("left the room")
	}
}

func (c *client) cmdEnd() {
	if !c.rooms.IsCreator() {
		fmt.Printf("end failed: %v\n", room.ErrNotCreator)
		return
	}
	// Tell the others before the mesh goes away.
	c.broadcast(proto.P2PRoomEnded, nil)
	if err := c.rooms.EndRoom(); err != nil {
		fmt.Printf("end failed: %v\n", err)
		return
	}
	c.teardown()
	fmt.Println("room ended")
}

func printHelp() {
	fmt.Println(`commands:
  /create <code> [name]   create a room (open)
  /create-gated <code>    create a room requiring join approval
  /join <code>            join a room by code
  <text> or /send <text>  send a chat message
  /react <msg-id> <emoji> react to a message
  /seen <msg-id>          mark a message seen
  /typing on|off          share typing state
  /name <new-name>        change display name
  /kick <peer-id>         remove a member (creator)
  /approve <peer-id>      approve a pending join (creator)
  /reject <peer-id>       reject a pending join (creator)
  /peers                  list members
  /msgs                   list messages
  /leave [save]           leave, optionally keeping a reconnect window
  /end                    end the room for everyone (creator)
  /quit                   leave (saving session) and exit`)
}
