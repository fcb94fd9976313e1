// Command token prints an access token for an existing user. Sign-in lives
// outside this service; the token is meant for operators and the agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"homecare-api/res/auth"
	"homecare-api/res/store/postgresql"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	email := flag.String("email", "", "email of the user to issue a token for")
	flag.Parse()
	if *email == "" {
		flag.Usage()
		os.Exit(2)
	}

	dbURL, ok := os.LookupEnv("DATABASE_POSTGRES_URL")
	if !ok {
		logrus.Fatal("Env variable not set: DATABASE_POSTGRES_URL")
	}
	secret, ok := os.LookupEnv("AUTH_JWT_SECRET")
	if !ok {
		logrus.Fatal("Env variable not set: AUTH_JWT_SECRET")
	}

	storeInstance, err := postgresql.Connect(dbURL, postgresql.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer storeInstance.Close()

	user, err := storeInstance.Users().GetByEmail(context.Background(), *email)
	if err != nil {
		logrus.WithError(err).Fatalf("No user with email %s", *email)
	}

	token, err := auth.New(secret).GenerateAccessToken(user.ID, string(user.Role))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to sign token")
	}
	fmt.Println(token)
}
