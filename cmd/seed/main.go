package main

import (
	"log"
	"os"
	"time"

	"ai-legalchat-be/internal/constant"
	"ai-legalchat-be/internal/model"
	"ai-legalchat-be/pkg/database"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Seeds a demo account with one example chat so a fresh install has
// something to log in with.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Info: No .env file found, using system env")
	}

	dsn := os.Getenv("DB_CONNECTION_STRING")
	if dsn == "" {
		log.Fatal("Error: DB_CONNECTION_STRING is not set")
	}

	db, err := database.NewGormDBFromDSN(dsn)
	if err != nil {
		log.Fatal("Error: Failed to connect to database:", err)
	}

	email := "demo@example.com"

	var existing model.User
	if err := db.Where("email = ?", email).First(&existing).Error; err == nil {
		log.Printf("Seed user %s already exists, skipping", email)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("demo1234"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("Error: Failed to hash password:", err)
	}
	hashStr := string(hash)

	user := model.User{
		Id:           uuid.New(),
		Email:        email,
		PasswordHash: &hashStr,
		FullName:     "Demo User",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := db.Create(&user).Error; err != nil {
		log.Fatal("Error: Failed to create seed user:", err)
	}

	chat := model.ChatSession{
		Id:          uuid.New(),
		UserId:      user.Id,
		Title:       constant.DefaultChatTitle,
		Description: constant.DefaultChatDescription,
		SourceType:  constant.ChatSourceManual,
		CreatedAt:   time.Now(),
	}
	if err := db.Create(&chat).Error; err != nil {
		log.Fatal("Error: Failed to create seed chat:", err)
	}

	log.Printf("Seeded user %s (password: demo1234) with chat %s", email, chat.Id)
}
