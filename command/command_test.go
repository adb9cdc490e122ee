package command

import (
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	cmd, err := New("deploy", A("env", "prod"), A("force", "true"))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name() != "deploy" {
		t.Fatalf("expect name deploy, got %s", cmd.Name())
	}
	if cmd.Len() != 2 {
		t.Fatalf("expect 2 args, got %d", cmd.Len())
	}
	if v, ok := cmd.Get("force"); !ok || v != "true" {
		t.Fatalf("expect force=true, got %q %v", v, ok)
	}
	if got := cmd.String(); got != "deploy --env prod --force true" {
		t.Fatalf("unexpected display form %q", got)
	}
	args := cmd.Arguments()
	if len(args) != 2 || args[0] != "--env prod" || args[1] != "--force true" {
		t.Fatalf("unexpected arguments %v", args)
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		args []Arg
		want error
	}{
		{"", nil, ErrEmptyName},
		{"two words", nil, ErrInvalidName},
		{"x", []Arg{A("", "v")}, ErrEmptyKey},
		{"x", []Arg{A("k", "1"), A("k", "2")}, ErrDuplicateKey},
	}
	for _, tc := range cases {
		if _, err := New(tc.name, tc.args...); !errors.Is(err, tc.want) {
			t.Errorf("New(%q, %v): expect %v, got %v", tc.name, tc.args, tc.want, err)
		}
	}
}

func TestArgsIsACopy(t *testing.T) {
	cmd := MustNew("x", A("k", "v"))
	args := cmd.Args()
	args[0].Value = "changed"
	if v, _ := cmd.Get("k"); v != "v" {
		t.Fatalf("command must be immutable, got %q", v)
	}
}

func TestEqual(t *testing.T) {
	a := MustNew("x", A("a", "1"), A("b", "2"))
	b := MustNew("x", A("a", "1"), A("b", "2"))
	c := MustNew("x", A("b", "2"), A("a", "1"))
	if !a.Equal(b) {
		t.Fatal("expect equal")
	}
	if a.Equal(c) {
		t.Fatal("argument order is significant")
	}
}

type deploy struct {
	Base
	sent int
}

func (d *deploy) OnSent() { d.sent++ }

type ping struct {
	Base
	got []Command
}

func (p *ping) OnReceived(cmd Command) { p.got = append(p.got, cmd) }

func TestBaseEditing(t *testing.T) {
	d := &deploy{}
	d.Init("deploy", A("env", "dev"))

	if ok, err := d.AddArg("force", "true"); !ok || err != nil {
		t.Fatalf("AddArg: %v %v", ok, err)
	}
	if ok, _ := d.AddArg("force", "false"); ok {
		t.Fatal("AddArg must refuse an existing key")
	}
	if ok, _ := d.UpdateArg("env", "prod"); !ok {
		t.Fatal("UpdateArg must change an existing key")
	}
	if ok, _ := d.UpdateArg("missing", "x"); ok {
		t.Fatal("UpdateArg must refuse a missing key")
	}
	if _, err := d.AddArg(" ", "x"); !errors.Is(err, ErrBlank) {
		t.Fatalf("expect ErrBlank, got %v", err)
	}
	if err := d.SetName(""); !errors.Is(err, ErrBlank) {
		t.Fatalf("expect ErrBlank, got %v", err)
	}

	cmd, err := d.Command()
	if err != nil {
		t.Fatal(err)
	}
	if !cmd.Equal(MustNew("deploy", A("env", "prod"), A("force", "true"))) {
		t.Fatalf("unexpected command %s", cmd)
	}

	if ok, _ := d.RemoveArg("env"); !ok {
		t.Fatal("RemoveArg must delete an existing key")
	}
	if len(d.Args()) != 1 {
		t.Fatalf("expect 1 arg left, got %v", d.Args())
	}
	if err := d.SetArgs([]Arg{A("a", "1"), A("a", "2")}); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expect ErrDuplicateKey, got %v", err)
	}
}

func TestCatalog(t *testing.T) {
	cat := NewCatalog()

	d := &deploy{}
	d.Init("deploy")
	p := &ping{}
	p.Init("ping")

	if err := cat.RegisterSender(d); err != nil {
		t.Fatal(err)
	}
	if err := cat.RegisterSender(d); !errors.Is(err, ErrRegistered) {
		t.Fatalf("expect ErrRegistered, got %v", err)
	}
	if err := cat.RegisterReceiver(p); err != nil {
		t.Fatal(err)
	}

	if s, ok := cat.Sender("deploy"); !ok || s != d {
		t.Fatal("expect deploy sender")
	}
	if len(cat.Senders()) != 1 {
		t.Fatalf("expect 1 sender, got %d", len(cat.Senders()))
	}
	r, ok := cat.Receiver("ping")
	if !ok {
		t.Fatal("expect ping receiver")
	}
	r.OnReceived(MustNew("ping"))
	if len(p.got) != 1 {
		t.Fatalf("expect 1 notification, got %d", len(p.got))
	}
	if _, ok := cat.Receiver("deploy"); ok {
		t.Fatal("senders are not receivers")
	}
}
