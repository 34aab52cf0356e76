package envelopefs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/absfs/memfs"
	"github.com/sirupsen/logrus"

	"github.com/absfs/envelopefs"
)

func exampleFS() *envelopefs.FS {
	base, err := memfs.NewFS()
	if err != nil {
		log.Fatal(err)
	}

	cfg := envelopefs.DefaultConfig()
	cfg.InstanceSecret = bytes.Repeat([]byte("example-secret!!"), 2)
	// Cheap parameters keep the example fast; use the defaults in production.
	cfg.KDF = envelopefs.Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltSize: 16, KeySize: 32}
	cfg.Logger = logrus.New()
	cfg.Logger.SetOutput(io.Discard)

	efs, err := envelopefs.New(base, envelopefs.NewMemoryKeyStore(), cfg)
	if err != nil {
		log.Fatal(err)
	}
	return efs
}

func exampleView(ctx context.Context, efs *envelopefs.FS, user string, secrets envelopefs.SecretProvider) *envelopefs.View {
	secret, err := secrets(ctx, user)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := efs.Login(ctx, user, secret); err != nil {
		log.Fatal(err)
	}
	v, err := efs.View(ctx, user, efs.NewSession(secrets))
	if err != nil {
		log.Fatal(err)
	}
	return v
}

func Example() {
	ctx := context.Background()
	efs := exampleFS()
	defer efs.Close()

	secrets := envelopefs.StaticSecrets(map[string][]byte{
		"alice": []byte("correct horse battery staple"),
	})
	alice := exampleView(ctx, efs, "alice", secrets)

	f, err := alice.Create("/notes.txt")
	if err != nil {
		log.Fatal(err)
	}
	if _, err := f.Write([]byte("encrypted at rest")); err != nil {
		log.Fatal(err)
	}
	if err := f.Close(); err != nil {
		log.Fatal(err)
	}

	data, err := alice.ReadFile("/notes.txt")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(data))
	// Output: encrypted at rest
}

func ExampleView_Share() {
	ctx := context.Background()
	efs := exampleFS()
	defer efs.Close()

	secrets := envelopefs.StaticSecrets(map[string][]byte{
		"alice": []byte("alice's login secret"),
		"bob":   []byte("bob's login secret"),
	})
	alice := exampleView(ctx, efs, "alice", secrets)
	bob := exampleView(ctx, efs, "bob", secrets)

	f, err := alice.Create("/plan.txt")
	if err != nil {
		log.Fatal(err)
	}
	f.Write([]byte("ship it"))
	f.Close()

	_, err = bob.ReadFile("/plan.txt")
	fmt.Println("before share:", errors.Is(err, envelopefs.ErrNoAccess))

	if err := alice.Share("/plan.txt", "bob"); err != nil {
		log.Fatal(err)
	}
	data, err := bob.ReadFile("/plan.txt")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("after share:", string(data))

	rec, err := alice.Access("/plan.txt")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("owner:", rec.Owner, "recipients:", rec.Recipients)
	// Output:
	// before share: true
	// after share: ship it
	// owner: alice recipients: [bob]
}

func ExampleAdmin_MigrateAll() {
	ctx := context.Background()
	efs := exampleFS()
	defer efs.Close()

	secrets := envelopefs.StaticSecrets(map[string][]byte{
		"alice": []byte("alice's login secret"),
	})
	alice := exampleView(ctx, efs, "alice", secrets)
	for _, name := range []string{"/a", "/b"} {
		f, err := alice.Create(name)
		if err != nil {
			log.Fatal(err)
		}
		f.Write([]byte(name))
		f.Close()
	}

	admin := efs.Admin()
	if err := admin.EnableMasterKeyMode(ctx); err != nil {
		log.Fatal(err)
	}
	cp, err := admin.MigrateAll(ctx, envelopefs.MigrationOptions{Secrets: secrets})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(cp.State, cp.Processed)

	h, err := efs.Header("/a")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(h.KeyMode)
	// Output:
	// done 2
	// master
}
